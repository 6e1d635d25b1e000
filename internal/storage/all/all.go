// Package all registers every storage backend and the SQL Server driver.
// Import it for side effects from binaries.
package all

import (
	_ "github.com/microsoft/go-mssqldb"

	_ "espacios/internal/storage/mssql"
	_ "espacios/internal/storage/postgres"
	_ "espacios/internal/storage/sqlite"
)
