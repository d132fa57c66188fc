package source

import (
	"fmt"
	"net"
	"strconv"
	"strings"

	"github.com/go-sql-driver/mysql"

	"github.com/ChuLiYu/cdc-scheduler/pkg/types"
)

// ConfigError reports a job configuration that can never run.
type ConfigError struct {
	Key    string
	Reason string
}

func (e *ConfigError) Error() string {
	if e.Key == "" {
		return "config: " + e.Reason
	}
	return fmt.Sprintf("config: %s: %s", e.Key, e.Reason)
}

var scanModes = map[string]bool{
	types.ScanInitial:        true,
	types.ScanEarliest:       true,
	types.ScanLatest:         true,
	types.ScanSpecificOffset: true,
	types.ScanTimestamp:      true,
}

// ScanMode returns the configured startup mode, defaulting to initial.
func ScanMode(cfg map[string]string) string {
	if m := cfg[types.ConfigScanStartupMode]; m != "" {
		return m
	}
	return types.DefaultScanMode
}

// ValidateConfig checks a job definition before the job is created.
func ValidateConfig(tables []string, cfg map[string]string) error {
	if len(tables) == 0 {
		return &ConfigError{Reason: "no table to synchronize"}
	}
	seen := make(map[string]bool, len(tables))
	for _, t := range tables {
		if strings.TrimSpace(t) == "" {
			return &ConfigError{Key: "tables", Reason: "empty table name"}
		}
		if seen[t] {
			return &ConfigError{Key: "tables", Reason: fmt.Sprintf("duplicate table %q", t)}
		}
		seen[t] = true
	}

	mode := ScanMode(cfg)
	if !scanModes[mode] {
		return &ConfigError{Key: types.ConfigScanStartupMode, Reason: fmt.Sprintf("unknown mode %q", mode)}
	}
	switch mode {
	case types.ScanSpecificOffset:
		if cfg[types.ConfigScanSpecificOffset] == "" {
			return &ConfigError{Key: types.ConfigScanSpecificOffset, Reason: "required for specific-offset mode"}
		}
	case types.ScanTimestamp:
		if _, err := strconv.ParseInt(cfg[types.ConfigScanStartupTimestamp], 10, 64); err != nil {
			return &ConfigError{Key: types.ConfigScanStartupTimestamp, Reason: "must be epoch milliseconds"}
		}
	}

	for _, key := range []string{types.ConfigMaxBatchRows, types.ConfigMaxBatchSize} {
		v, ok := cfg[key]
		if !ok {
			continue
		}
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil || n <= 0 {
			return &ConfigError{Key: key, Reason: fmt.Sprintf("must be a positive integer, got %q", v)}
		}
	}

	_, err := SourceConfig(cfg)
	return err
}

// SourceConfig resolves the connection of the job's source database. A dsn
// key wins over host, port, username and database_name.
func SourceConfig(cfg map[string]string) (*mysql.Config, error) {
	if raw := cfg[types.ConfigDSN]; raw != "" {
		mc, err := mysql.ParseDSN(raw)
		if err != nil {
			return nil, &ConfigError{Key: types.ConfigDSN, Reason: err.Error()}
		}
		if mc.Net != "tcp" {
			return nil, &ConfigError{Key: types.ConfigDSN, Reason: fmt.Sprintf("network %q is not supported, use tcp", mc.Net)}
		}
		if mc.User == "" || mc.DBName == "" {
			return nil, &ConfigError{Key: types.ConfigDSN, Reason: "user and database are required"}
		}
		return mc, nil
	}

	for _, key := range []string{types.ConfigHost, types.ConfigPort, types.ConfigUsername, types.ConfigDatabaseName} {
		if cfg[key] == "" {
			return nil, &ConfigError{Key: key, Reason: "required"}
		}
	}
	port, err := strconv.Atoi(cfg[types.ConfigPort])
	if err != nil || port <= 0 || port > 65535 {
		return nil, &ConfigError{Key: types.ConfigPort, Reason: fmt.Sprintf("invalid port %q", cfg[types.ConfigPort])}
	}

	mc := mysql.NewConfig()
	mc.User = cfg[types.ConfigUsername]
	mc.Passwd = cfg[types.ConfigPassword]
	mc.Net = "tcp"
	mc.Addr = net.JoinHostPort(cfg[types.ConfigHost], strconv.Itoa(port))
	mc.DBName = cfg[types.ConfigDatabaseName]
	return mc, nil
}

// DSN returns the normalized data source name of the job's source database.
func DSN(cfg map[string]string) (string, error) {
	mc, err := SourceConfig(cfg)
	if err != nil {
		return "", err
	}
	return mc.FormatDSN(), nil
}
