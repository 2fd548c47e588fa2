package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	toml "github.com/pelletier/go-toml/v2"
)

const (
	SettingsFormatTOML SettingsFormat = "toml"
	SettingsFormatJSON SettingsFormat = "json"
)

type Settings struct {
	DataDir        string `json:"data_dir"        toml:"data_dir"`
	DatabaseFile   string `json:"database_file"   toml:"database_file"`
	ScriptTimeout  string `json:"script_timeout"  toml:"script_timeout"`
	RequestTimeout string `json:"request_timeout" toml:"request_timeout"`
	HistoryLimit   int    `json:"history_limit"   toml:"history_limit"`
}

type SettingsFormat string
type SettingsHandle struct {
	Path   string
	Format SettingsFormat
}

const (
	HistoryLimitDefault   = 100
	HistoryLimitMax       = 1000
	ScriptTimeoutDefault  = 10 * time.Second
	RequestTimeoutDefault = 30 * time.Second
)

func DefaultSettings() Settings {
	return Settings{
		DataDir:        Dir(),
		DatabaseFile:   "restdeck.db",
		ScriptTimeout:  ScriptTimeoutDefault.String(),
		RequestTimeout: RequestTimeoutDefault.String(),
		HistoryLimit:   HistoryLimitDefault,
	}
}

// Dir is the settings directory, RESTDECK_DIR or the platform user
// config dir.
func Dir() string {
	if dir := os.Getenv("RESTDECK_DIR"); dir != "" {
		return dir
	}
	base, err := os.UserConfigDir()
	if err != nil {
		return ".restdeck"
	}
	return filepath.Join(base, "restdeck")
}

// DatabasePath is the resolved location of the sqlite file.
func (s Settings) DatabasePath() string {
	if filepath.IsAbs(s.DatabaseFile) {
		return s.DatabaseFile
	}
	return filepath.Join(s.DataDir, s.DatabaseFile)
}

// ScriptTimeoutDuration parses the configured script timeout, falling
// back to the default on empty or malformed values.
func (s Settings) ScriptTimeoutDuration() time.Duration {
	return parseDuration(s.ScriptTimeout, ScriptTimeoutDefault)
}

func (s Settings) RequestTimeoutDuration() time.Duration {
	return parseDuration(s.RequestTimeout, RequestTimeoutDefault)
}

// tries loading TOML first, then JSON, then returns default settings if
// neither exists. Only a missing file skips to the next format; a file
// that exists but cannot be read or parsed fails immediately rather
// than letting a lower-priority file shadow it.
func LoadSettings() (Settings, SettingsHandle, error) {
	dir := Dir()
	candidates := []SettingsHandle{
		{Path: filepath.Join(dir, "settings.toml"), Format: SettingsFormatTOML},
		{Path: filepath.Join(dir, "settings.json"), Format: SettingsFormatJSON},
	}

	for _, candidate := range candidates {
		data, err := os.ReadFile(candidate.Path)
		if errors.Is(err, fs.ErrNotExist) {
			continue
		}
		if err != nil {
			return Settings{}, SettingsHandle{}, fmt.Errorf(
				"read settings %q: %w",
				candidate.Path,
				err,
			)
		}

		settings, err := decodeSettings(data, candidate.Format)
		if err != nil {
			return Settings{}, SettingsHandle{}, fmt.Errorf(
				"parse settings %q: %w",
				candidate.Path,
				err,
			)
		}
		return Normalise(applyEnvOverrides(settings)), candidate, nil
	}

	return Normalise(applyEnvOverrides(DefaultSettings())), SettingsHandle{
		Path:   candidates[0].Path,
		Format: SettingsFormatTOML,
	}, nil
}

// Normalise fills empty fields from the defaults and clamps the history
// limit into its valid range.
func Normalise(in Settings) Settings {
	out := in
	defaults := DefaultSettings()
	if out.DataDir == "" {
		out.DataDir = defaults.DataDir
	}
	if out.DatabaseFile == "" {
		out.DatabaseFile = defaults.DatabaseFile
	}
	if out.ScriptTimeout == "" {
		out.ScriptTimeout = defaults.ScriptTimeout
	}
	if out.RequestTimeout == "" {
		out.RequestTimeout = defaults.RequestTimeout
	}
	if out.HistoryLimit <= 0 {
		out.HistoryLimit = HistoryLimitDefault
	}
	if out.HistoryLimit > HistoryLimitMax {
		out.HistoryLimit = HistoryLimitMax
	}
	return out
}

func decodeSettings(data []byte, format SettingsFormat) (Settings, error) {
	var settings Settings
	switch format {
	case SettingsFormatTOML:
		if err := toml.Unmarshal(data, &settings); err != nil {
			return Settings{}, err
		}
	case SettingsFormatJSON:
		decoder := json.NewDecoder(bytes.NewReader(data))
		decoder.DisallowUnknownFields()
		if err := decoder.Decode(&settings); err != nil {
			return Settings{}, err
		}
	default:
		return Settings{}, fmt.Errorf("unsupported settings format %q", format)
	}
	return settings, nil
}

func SaveSettings(settings Settings, handle SettingsHandle) error {
	settings = Normalise(settings)
	path := handle.Path
	format := handle.Format
	if path == "" {
		path = filepath.Join(Dir(), "settings.toml")
	}
	if format == "" {
		format = SettingsFormatTOML
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("ensure settings directory: %w", err)
	}

	var (
		data []byte
		err  error
	)

	switch format {
	case SettingsFormatTOML:
		data, err = toml.Marshal(settings)
	case SettingsFormatJSON:
		buffer := &bytes.Buffer{}
		encoder := json.NewEncoder(buffer)
		encoder.SetIndent("", "  ")
		if err = encoder.Encode(settings); err == nil {
			data = buffer.Bytes()
		}
	default:
		return fmt.Errorf("unsupported settings format %q", format)
	}
	if err != nil {
		return fmt.Errorf("encode settings: %w", err)
	}

	if err := writeFileAtomic(path, data, 0o644); err != nil {
		return fmt.Errorf("write settings %q: %w", path, err)
	}
	return nil
}

// write to temp file then rename so readers never see partial/corrupt
// data. rename is atomic on most filesystems so the settings file is
// always valid.
func writeFileAtomic(path string, data []byte, perm fs.FileMode) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".restdeck-settings-*.tmp")
	if err != nil {
		return err
	}

	tmpPath := tmp.Name()
	defer func() {
		_ = os.Remove(tmpPath)
	}()

	if _, err := tmp.Write(data); err != nil {
		closeErr := tmp.Close()
		if closeErr != nil {
			return errors.Join(err, closeErr)
		}
		return err
	}

	if err := tmp.Chmod(perm); err != nil {
		closeErr := tmp.Close()
		if closeErr != nil {
			return errors.Join(err, closeErr)
		}
		return err
	}

	if err := tmp.Close(); err != nil {
		return err
	}

	if err := os.Rename(tmpPath, path); err != nil {
		return err
	}

	return nil
}

func parseDuration(value string, fallback time.Duration) time.Duration {
	if value == "" {
		return fallback
	}
	parsed, err := time.ParseDuration(value)
	if err != nil || parsed <= 0 {
		return fallback
	}
	return parsed
}
