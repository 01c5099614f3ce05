package blueprint

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gosimple/slug"
	"gopkg.in/yaml.v3"

	"github.com/skiffcloud/skiff/pkg/telemetry"
)

// ErrNotFound is returned when no blueprint exists for the requested slug.
var ErrNotFound = errors.New("blueprint not found")

// Store persists blueprints as one YAML document per project under
// <dataDir>/projects/<slug>.yaml. Writes are atomic (temp file + rename) so
// a crash mid-save never leaves a truncated document behind.
type Store struct {
	dir      string
	validate *validator.Validate
	logger   *telemetry.Logger
}

// NewStore creates the projects directory if needed and returns a store
// rooted at dataDir.
func NewStore(dataDir string, logger *telemetry.Logger) (*Store, error) {
	dir := filepath.Join(dataDir, "projects")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating projects directory: %w", err)
	}
	return &Store{
		dir:      dir,
		validate: validator.New(validator.WithRequiredStructEnabled()),
		logger:   logger,
	}, nil
}

// Slugify derives the canonical project slug from a display name.
func Slugify(name string) string {
	return slug.Make(name)
}

// Validate checks structural constraints on a blueprint without touching
// disk.
func (s *Store) Validate(bp *Blueprint) error {
	if err := s.validate.Struct(bp); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			fields := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				fields = append(fields, fmt.Sprintf("%s (%s)", fe.Namespace(), fe.Tag()))
			}
			return fmt.Errorf("invalid blueprint: %s", strings.Join(fields, ", "))
		}
		return fmt.Errorf("invalid blueprint: %w", err)
	}
	if bp.Data.Database != nil && bp.Data.Database.Engine == "" {
		return errors.New("invalid blueprint: data.database.engine is required when a database is declared")
	}
	return nil
}

// Save validates and writes the blueprint, deriving the slug from the
// project name when unset and bumping the updated-at timestamp.
func (s *Store) Save(bp *Blueprint) error {
	if bp.Project.Slug == "" {
		bp.Project.Slug = Slugify(bp.Project.Name)
	}
	if err := s.Validate(bp); err != nil {
		return err
	}
	now := time.Now().UTC()
	if bp.Project.CreatedAt.IsZero() {
		bp.Project.CreatedAt = now
	}
	bp.Project.UpdatedAt = now

	data, err := yaml.Marshal(bp)
	if err != nil {
		return fmt.Errorf("marshaling blueprint: %w", err)
	}

	final := s.path(bp.Project.Slug)
	tmp, err := os.CreateTemp(s.dir, bp.Project.Slug+".*.tmp")
	if err != nil {
		return fmt.Errorf("creating temp blueprint: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("writing blueprint: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("closing blueprint: %w", err)
	}
	if err := os.Rename(tmpName, final); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("replacing blueprint: %w", err)
	}

	s.logger.WithProject(bp.Project.Slug).Debug("blueprint saved")
	return nil
}

// Load reads one blueprint by slug.
func (s *Store) Load(projectSlug string) (*Blueprint, error) {
	data, err := os.ReadFile(s.path(projectSlug))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, projectSlug)
		}
		return nil, fmt.Errorf("reading blueprint %s: %w", projectSlug, err)
	}
	var bp Blueprint
	if err := yaml.Unmarshal(data, &bp); err != nil {
		return nil, fmt.Errorf("parsing blueprint %s: %w", projectSlug, err)
	}
	if bp.Project.Slug == "" {
		bp.Project.Slug = projectSlug
	}
	return &bp, nil
}

// List returns the slugs of every stored blueprint, sorted.
func (s *Store) List() ([]string, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("listing projects: %w", err)
	}
	slugs := make([]string, 0, len(entries))
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, ".yaml") {
			continue
		}
		slugs = append(slugs, strings.TrimSuffix(name, ".yaml"))
	}
	sort.Strings(slugs)
	return slugs, nil
}

// Delete removes a blueprint document. Deleting a missing blueprint returns
// ErrNotFound.
func (s *Store) Delete(projectSlug string) error {
	err := os.Remove(s.path(projectSlug))
	if os.IsNotExist(err) {
		return fmt.Errorf("%w: %s", ErrNotFound, projectSlug)
	}
	if err != nil {
		return fmt.Errorf("deleting blueprint %s: %w", projectSlug, err)
	}
	s.logger.WithProject(projectSlug).Debug("blueprint deleted")
	return nil
}

// Path returns the on-disk location for a slug. Exposed for the blueprint
// watcher, which maps filesystem events back to projects.
func (s *Store) Path(projectSlug string) string {
	return s.path(projectSlug)
}

// Dir returns the directory watched for blueprint edits.
func (s *Store) Dir() string {
	return s.dir
}

func (s *Store) path(projectSlug string) string {
	return filepath.Join(s.dir, projectSlug+".yaml")
}
