package cli

import (
	"io"

	"gopkg.in/yaml.v3"
	"gorm.io/gorm"

	"ephemeral-bot/internal/config"
	"ephemeral-bot/internal/logger"
	"ephemeral-bot/internal/storage"
)

// session is an open database plus the configuration it came from.
type session struct {
	cfg *config.Config
	db  *gorm.DB
}

func (s *session) Close() {
	if err := storage.Close(s.db); err != nil {
		logger.Warningf("Failed to close database: %v", err)
	}
}

// openSession loads the configuration and connects to its database. Logs go
// to stderr so stdout only carries command output.
func openSession(opts *RootOptions, logOut io.Writer) (*session, error) {
	cfg, err := config.Load(opts.ConfigPath)
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "failed to load configuration", err)
	}

	level := logger.ParseLevel(cfg.Logger.Level)
	if opts.Verbose {
		level = logger.LevelDebug
	}
	logger.Configure(logOut, level, cfg.Logger.Format, cfg.Logger.TimeFormat, nil)

	db, err := storage.Initialize(cfg.Database)
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "failed to connect to database", err)
	}
	return &session{cfg: cfg, db: db}, nil
}

// writeYAML renders v as a YAML document.
func writeYAML(w io.Writer, v interface{}) error {
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(v); err != nil {
		return WrapExitError(ExitCommandError, "failed to render report", err)
	}
	return enc.Close()
}
