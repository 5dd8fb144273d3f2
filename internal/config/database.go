// internal/config/database.go
package config

import (
	"fmt"
)

// DSN builds a libpq keyword/value connection string. Sessions run in UTC.
func (d *DatabaseConfig) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%s user=%s password=%s dbname=%s sslmode=%s TimeZone=UTC application_name=accredit-backend",
		d.Host, d.Port, d.User, d.Password, d.Database, d.SSLMode,
	)
}
