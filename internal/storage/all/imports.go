// Package all registers every built-in sink backend.
package all

import (
	_ "cohorteval/internal/storage/file"
	_ "cohorteval/internal/storage/mssql"
	_ "cohorteval/internal/storage/mysql"
	_ "cohorteval/internal/storage/objectstore"
	_ "cohorteval/internal/storage/postgres"
	_ "cohorteval/internal/storage/sqlite"
)
