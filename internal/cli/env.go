package cli

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/lucasnoah/ciloop/internal/audit"
	"github.com/lucasnoah/ciloop/internal/ci"
	"github.com/lucasnoah/ciloop/internal/classify"
	"github.com/lucasnoah/ciloop/internal/config"
	"github.com/lucasnoah/ciloop/internal/db"
	"github.com/lucasnoah/ciloop/internal/discover"
	"github.com/lucasnoah/ciloop/internal/github"
)

// ciBackend is what the commands talk to. Tests swap newCIBackend out.
type ciBackend interface {
	ci.Client
	ci.SecretChecker
}

var newCIBackend = func(cfg *config.Config) ciBackend {
	c := github.NewClient(&github.ExecRunner{}, cfg.Loop.Repo)
	c.Env = cfg.Loop.SecretsEnv
	return c
}

// loadConfig loads --config, else the first config on the search path,
// else the built-in defaults. --repo overrides the file.
func loadConfig() (*config.Config, error) {
	var cfg *config.Config
	var err error
	if configFile != "" {
		cfg, err = config.Load(configFile)
	} else {
		cfg, _, err = config.LoadDefault()
		if errors.Is(err, config.ErrNotFound) {
			slog.Debug("no config file, using defaults")
			cfg, err = config.Default(), nil
		}
	}
	if err != nil {
		return nil, err
	}
	if repoFlag != "" {
		cfg.Loop.Repo = repoFlag
	}
	return cfg, nil
}

func validateConfig(cfg *config.Config) error {
	errs := config.Validate(cfg)
	if len(errs) == 0 {
		return nil
	}
	joined := make([]error, len(errs))
	for i, e := range errs {
		joined[i] = e
	}
	return fmt.Errorf("invalid configuration: %w", errors.Join(joined...))
}

// resolveTargets picks targets from, in order: command-line specs, the
// config's target list, then workflow discovery with targets_glob.
func resolveTargets(cfg *config.Config, specs []string) ([]ci.WorkflowTarget, error) {
	if len(specs) > 0 {
		out := make([]ci.WorkflowTarget, 0, len(specs))
		for _, s := range specs {
			t, err := ci.ParseTarget(s, cfg.Loop.Branch)
			if err != nil {
				return nil, err
			}
			out = append(out, t)
		}
		return out, nil
	}
	if len(cfg.Loop.Targets) > 0 {
		return cfg.Loop.WorkflowTargets(), nil
	}
	if cfg.Loop.TargetsGlob != "" {
		wfs, err := discover.Discover(cfg.Loop.WorkflowsDir, cfg.Loop.TargetsGlob)
		if err != nil {
			return nil, err
		}
		if targets := discover.Targets(wfs, cfg.Loop.Branch); len(targets) > 0 {
			return targets, nil
		}
		return nil, fmt.Errorf("no dispatchable workflows match %q in %s", cfg.Loop.TargetsGlob, cfg.Loop.WorkflowsDir)
	}
	return nil, errors.New("no targets: pass --target name@branch or set loop.targets / loop.targets_glob in the config")
}

func newClassifier(cfg *config.Config) (*classify.Classifier, error) {
	reg, err := classify.DefaultRegistry()
	if err != nil {
		return nil, err
	}
	if cfg.Loop.PatternsFile != "" {
		if err := reg.LoadFile(cfg.Loop.PatternsFile); err != nil {
			return nil, err
		}
	}
	return classify.New(reg), nil
}

func auditWriter(cfg *config.Config) (*audit.JSONLWriter, error) {
	dir := cfg.Loop.Audit.Dir
	if dir == "" {
		var err error
		if dir, err = audit.DefaultDir(); err != nil {
			return nil, err
		}
	}
	w := audit.NewJSONLWriter(dir)
	w.Repo = cfg.Loop.Repo
	return w, nil
}

// openDB opens and migrates the configured audit database. It returns nil
// when none is configured.
func openDB(cfg *config.Config) (*db.DB, error) {
	dsn := cfg.Loop.Audit.Database
	if dsn == "" {
		return nil, nil
	}
	return openDSN(dsn)
}

// openDBOrDefault opens the configured database or ~/.ciloop/ciloop.db.
func openDBOrDefault(cfg *config.Config) (*db.DB, error) {
	dsn := cfg.Loop.Audit.Database
	if dsn == "" {
		var err error
		if dsn, err = db.DefaultDBPath(); err != nil {
			return nil, err
		}
	}
	return openDSN(dsn)
}

func openDSN(dsn string) (*db.DB, error) {
	d, err := db.Open(dsn)
	if err != nil {
		return nil, err
	}
	if err := d.Migrate(); err != nil {
		d.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return d, nil
}
