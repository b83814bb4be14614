package main

import (
	"archive/tar"
	"bytes"
	"compress/gzip"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/charmbracelet/log"
	"github.com/ship-commander/agentvisor/internal/harness"
	"github.com/ship-commander/agentvisor/internal/telemetry"
	"github.com/spf13/cobra"
	"github.com/tidwall/gjson"
)

const (
	bugreportLogLimit = 3
	redactedValue     = "***REDACTED***"
)

// availabilityFunc snapshots provider availability for the bundle.
type availabilityFunc func(ctx context.Context) []harness.Availability

// bugreporter gathers diagnostics into a tar.gz in the working directory.
// Its funcs are swapped in tests.
type bugreporter struct {
	now     func() time.Time
	homeDir func() (string, error)
	workDir func() (string, error)
	probe   availabilityFunc
	logger  *log.Logger
}

func newBugreportCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "bugreport",
		Short: "Collect a diagnostic bundle for debugging",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			reporter := bugreporter{
				now:     func() time.Time { return time.Now().UTC() },
				homeDir: os.UserHomeDir,
				workDir: os.Getwd,
				probe:   a.registry.ListAvailable,
				logger:  a.log().With("command", "bugreport"),
			}
			path, err := reporter.write(cmd.Context())
			if err != nil {
				return err
			}
			_, err = fmt.Fprintf(cmd.OutOrStdout(), "Bug report written to: %s. Share for debugging.\n", path)
			return err
		},
	}
}

// write collects the bundle and returns the archive path.
func (b bugreporter) write(ctx context.Context) (string, error) {
	home, err := b.homeDir()
	if err != nil {
		return "", fmt.Errorf("resolve home directory: %w", err)
	}
	if home = filepath.Clean(strings.TrimSpace(home)); home == "." {
		return "", errors.New("home directory is not valid")
	}
	cwd, err := b.workDir()
	if err != nil {
		return "", fmt.Errorf("resolve current directory: %w", err)
	}

	now := b.now()
	if b.logger != nil {
		b.logger.Info("collecting diagnostic bundle")
	}

	bundle := &bugBundle{}
	b.addLogs(bundle, filepath.Join(home, ".agentvisor", "logs"))
	bundle.add("version.txt", fmt.Sprintf("agentvisor version: %s\n", strings.TrimSpace(Version)))
	addConfig(bundle, "config.home.toml", filepath.Join(home, ".agentvisor", "config.toml"))
	addConfig(bundle, "config.project.toml", filepath.Join(cwd, ".agentvisor", "config.toml"))

	var availability []harness.Availability
	if b.probe != nil {
		availability = b.probe(ctx)
	}
	providers, err := json.MarshalIndent(availability, "", "  ")
	if err != nil {
		return "", fmt.Errorf("encode provider availability: %w", err)
	}
	bundle.add("providers.json", string(providers)+"\n")
	bundle.add("README.txt", bundle.readme(now))

	path := filepath.Join(filepath.Clean(cwd), fmt.Sprintf(".agentvisor-bugreport-%s.tar.gz", now.Format("20060102-150405")))
	if err := bundle.archive(path, now); err != nil {
		return "", err
	}
	return path, nil
}

// addLogs copies the newest log files and records the last run_id/trace_id
// pair they mention.
func (b bugreporter) addLogs(bundle *bugBundle, dir string) {
	files, err := newestFiles(dir, bugreportLogLimit)
	if err != nil {
		bundle.warn("unable to read logs directory: %v", err)
	}

	for _, file := range files {
		// #nosec G304 -- path comes from listing the agentvisor log directory.
		data, err := os.ReadFile(file.path)
		if err != nil {
			bundle.warn("unable to read log %s: %v", file.path, err)
			continue
		}
		bundle.add("logs/"+filepath.Base(file.path), string(data))
		if bundle.runID == "" && bundle.traceID == "" {
			bundle.runID, bundle.traceID = lastCorrelation(data)
		}
	}

	if bundle.runID == "" && bundle.traceID == "" {
		bundle.warn("no run_id/trace_id found in copied logs")
	}
	bundle.add("last-run.txt", fmt.Sprintf("run_id: %s\ntrace_id: %s\n", bundle.runID, bundle.traceID))
}

// lastCorrelation scans JSON log lines from the end for the newest record
// carrying a run_id or trace_id.
func lastCorrelation(data []byte) (string, string) {
	lines := bytes.Split(bytes.TrimSpace(data), []byte("\n"))
	for i := len(lines) - 1; i >= 0; i-- {
		line := bytes.TrimSpace(lines[i])
		if !gjson.ValidBytes(line) {
			continue
		}
		fields := gjson.GetManyBytes(line, "run_id", "trace_id")
		runID := strings.TrimSpace(fields[0].String())
		traceID := strings.TrimSpace(fields[1].String())
		if runID != "" || traceID != "" {
			return runID, traceID
		}
	}
	return "", ""
}

func addConfig(bundle *bugBundle, name, source string) {
	// #nosec G304 -- source is one of the two fixed config locations.
	data, err := os.ReadFile(source)
	if err != nil {
		bundle.warn("unable to read config: %v", err)
		bundle.add(name, "# config unavailable\n")
		return
	}
	redacted, err := redactConfig(data)
	if err != nil {
		bundle.warn("unable to parse %s: %v", source, err)
		bundle.add(name, "# config could not be parsed and was omitted\n")
		return
	}
	bundle.add(name, redacted)
}

// redactConfig re-encodes a TOML document with credential-looking keys
// masked at any depth. Provider env tables carry API keys.
func redactConfig(data []byte) (string, error) {
	var doc map[string]any
	if _, err := toml.Decode(string(data), &doc); err != nil {
		return "", err
	}
	redactTable(doc)

	var buf bytes.Buffer
	if err := toml.NewEncoder(&buf).Encode(doc); err != nil {
		return "", err
	}
	return buf.String(), nil
}

func redactTable(table map[string]any) {
	for key, value := range table {
		switch typed := value.(type) {
		case map[string]any:
			redactTable(typed)
		case []map[string]any:
			for _, nested := range typed {
				redactTable(nested)
			}
		default:
			if telemetry.IsSensitiveKey(key) {
				table[key] = redactedValue
			}
		}
	}
}

type bundleFile struct {
	name string
	body string
}

// bugBundle holds the archive entries in memory; every input is small.
type bugBundle struct {
	files    []bundleFile
	warnings []string
	runID    string
	traceID  string
}

func (b *bugBundle) add(name, body string) {
	b.files = append(b.files, bundleFile{name: name, body: body})
}

func (b *bugBundle) warn(format string, args ...any) {
	b.warnings = append(b.warnings, fmt.Sprintf(format, args...))
}

func (b *bugBundle) readme(generated time.Time) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "agentvisor bug report\n\n")
	fmt.Fprintf(&sb, "Generated: %s\n", generated.Format(time.RFC3339))
	fmt.Fprintf(&sb, "Version:   %s\n", Version)
	fmt.Fprintf(&sb, "run_id:    %s\n", b.runID)
	fmt.Fprintf(&sb, "trace_id:  %s\n\n", b.traceID)
	sb.WriteString("Contents:\n")
	fmt.Fprintf(&sb, "  logs/                  newest %d log files\n", bugreportLogLimit)
	sb.WriteString("  config.*.toml          home and project config, credentials masked\n")
	sb.WriteString("  providers.json         provider availability at collection time\n")
	sb.WriteString("  last-run.txt           ids to correlate logs with traces\n")
	sb.WriteString("  version.txt\n")
	if len(b.warnings) > 0 {
		sb.WriteString("\nWarnings:\n")
		for _, warning := range b.warnings {
			sb.WriteString("  - " + warning + "\n")
		}
	}
	return sb.String()
}

func (b *bugBundle) archive(path string, modTime time.Time) (err error) {
	// #nosec G304 -- path is a generated name in the working directory.
	file, err := os.OpenFile(path, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return fmt.Errorf("create archive %s: %w", path, err)
	}
	gz := gzip.NewWriter(file)
	tw := tar.NewWriter(gz)
	defer func() {
		for _, closer := range []io.Closer{tw, gz, file} {
			if closeErr := closer.Close(); closeErr != nil && err == nil {
				err = fmt.Errorf("finalize archive %s: %w", path, closeErr)
			}
		}
	}()

	for _, entry := range b.files {
		header := &tar.Header{
			Name:    entry.name,
			Mode:    0o600,
			Size:    int64(len(entry.body)),
			ModTime: modTime,
		}
		if err := tw.WriteHeader(header); err != nil {
			return fmt.Errorf("archive %s: %w", entry.name, err)
		}
		if _, err := io.WriteString(tw, entry.body); err != nil {
			return fmt.Errorf("archive %s: %w", entry.name, err)
		}
	}
	return nil
}

type datedFile struct {
	path    string
	modTime time.Time
}

// newestFiles lists regular files in dir, newest first, capped at limit.
func newestFiles(dir string, limit int) ([]datedFile, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}

	var files []datedFile
	for _, entry := range entries {
		if !entry.Type().IsRegular() {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		files = append(files, datedFile{path: filepath.Join(dir, entry.Name()), modTime: info.ModTime()})
	}
	sort.Slice(files, func(i, j int) bool { return files[i].modTime.After(files[j].modTime) })
	if limit > 0 && len(files) > limit {
		files = files[:limit]
	}
	return files, nil
}
