package db

import (
	"fmt"
	"net/url"
	"strconv"
	"strings"
)

// Description is a redacted view of a DSN, safe to log.
type Description struct {
	Type        string `json:"database_type"`
	Host        string `json:"database_host,omitempty"`
	Port        int    `json:"database_port,omitempty"`
	User        string `json:"database_user,omitempty"`
	Name        string `json:"database_name,omitempty"`
	SSLMode     string `json:"database_ssl_mode,omitempty"`
	Path        string `json:"database_path,omitempty"`
	PasswordSet bool   `json:"database_password_set"`
}

// Describe parses dsn into a Description without exposing the password.
func Describe(dsn string) (Description, error) {
	trimmed := strings.TrimSpace(dsn)
	if trimmed == "" {
		return Description{}, fmt.Errorf("empty dsn")
	}

	if isSQLiteDSN(trimmed) {
		pathPart := trimmed[len("file:"):]
		pathPart, _, _ = strings.Cut(pathPart, "?")
		return Description{
			Type: DialectSQLite,
			Path: strings.TrimSpace(pathPart),
		}, nil
	}

	u, errParse := url.Parse(trimmed)
	if errParse != nil {
		return Description{}, fmt.Errorf("parse dsn: %w", errParse)
	}

	switch strings.ToLower(strings.TrimSpace(u.Scheme)) {
	case "postgres", "postgresql":
		port := 5432
		if rawPort := strings.TrimSpace(u.Port()); rawPort != "" {
			parsedPort, errPort := strconv.Atoi(rawPort)
			if errPort != nil {
				return Description{}, fmt.Errorf("parse port: %w", errPort)
			}
			port = parsedPort
		}

		username := ""
		passwordSet := false
		if u.User != nil {
			username = strings.TrimSpace(u.User.Username())
			_, passwordSet = u.User.Password()
		}

		sslMode := strings.TrimSpace(u.Query().Get("sslmode"))
		if sslMode == "" {
			sslMode = "disable"
		}

		return Description{
			Type:        DialectPostgres,
			Host:        strings.TrimSpace(u.Hostname()),
			Port:        port,
			User:        username,
			Name:        strings.TrimSpace(strings.TrimPrefix(u.Path, "/")),
			SSLMode:     sslMode,
			PasswordSet: passwordSet,
		}, nil
	default:
		return Description{}, fmt.Errorf("unsupported dsn scheme")
	}
}

// String renders the description for log lines.
func (d Description) String() string {
	if d.Type == DialectSQLite {
		return "sqlite:" + d.Path
	}
	return fmt.Sprintf("%s://%s@%s:%d/%s?sslmode=%s", d.Type, d.User, d.Host, d.Port, d.Name, d.SSLMode)
}
