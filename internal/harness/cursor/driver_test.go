package cursor

import (
	"errors"
	"strings"
	"testing"

	"github.com/ship-commander/agentvisor/internal/harness"
	"github.com/ship-commander/agentvisor/internal/stream"
)

func newTestDriver(cfg DriverConfig, env map[string]string) *Driver {
	driver := New(cfg)
	driver.lookupEnv = func(key string) (string, bool) {
		value, ok := env[key]
		return value, ok
	}
	return driver
}

func TestValidateOptionsRequiresAPIKey(t *testing.T) {
	dir := t.TempDir()
	driver := newTestDriver(DriverConfig{}, nil)

	validation := driver.ValidateOptions(harness.RunOptions{WorkDir: dir, Message: "hi"})
	if validation.Valid {
		t.Fatal("expected missing api key to be rejected")
	}
	var verr *harness.ValidationError
	if !errors.As(validation.Err, &verr) || verr.Field != "api_key" {
		t.Fatalf("error = %v, want api_key validation error", validation.Err)
	}

	if v := driver.ValidateOptions(harness.RunOptions{WorkDir: dir, Message: "hi", APIKey: "k"}); !v.Valid {
		t.Fatalf("explicit key rejected: %v", v.Err)
	}

	fromHost := newTestDriver(DriverConfig{}, map[string]string{apiKeyEnv: "host-key"})
	if v := fromHost.ValidateOptions(harness.RunOptions{WorkDir: dir, Message: "hi"}); !v.Valid {
		t.Fatalf("host env key rejected: %v", v.Err)
	}

	fromConfig := newTestDriver(DriverConfig{Env: map[string]string{apiKeyEnv: "cfg-key"}}, nil)
	if v := fromConfig.ValidateOptions(harness.RunOptions{WorkDir: dir, Message: "hi"}); !v.Valid {
		t.Fatalf("configured key rejected: %v", v.Err)
	}
}

func TestValidateOptionsRunsBaseChecksFirst(t *testing.T) {
	driver := newTestDriver(DriverConfig{}, nil)

	validation := driver.ValidateOptions(harness.RunOptions{Message: "hi", APIKey: "k"})
	var verr *harness.ValidationError
	if !errors.As(validation.Err, &verr) || verr.Field != "work_dir" {
		t.Fatalf("error = %v, want work_dir validation error", validation.Err)
	}
}

func TestBuildArgsConstructsCursorFlags(t *testing.T) {
	driver := newTestDriver(DriverConfig{Model: "auto"}, nil)

	build, err := driver.BuildArgs(harness.RunOptions{Message: "refactor", SessionID: "chat-1", APIKey: "ck"})
	if err != nil {
		t.Fatalf("build args: %v", err)
	}
	want := "-p refactor --output-format stream-json --model auto --resume chat-1 --api-key ck"
	if got := strings.Join(build.Args, " "); got != want {
		t.Fatalf("args = %q, want %q", got, want)
	}
	if build.Env[apiKeyEnv] != "ck" {
		t.Fatalf("env = %v, want exported key", build.Env)
	}
}

func TestBuildArgsOmitsKeyFlagWhenInherited(t *testing.T) {
	driver := newTestDriver(DriverConfig{}, map[string]string{apiKeyEnv: "host-key"})

	build, err := driver.BuildArgs(harness.RunOptions{Message: strings.Repeat("m", harness.MaxInlineMessageLen+1)})
	if err != nil {
		t.Fatalf("build args: %v", err)
	}
	for _, arg := range build.Args {
		if arg == "--api-key" {
			t.Fatalf("args = %v, want no --api-key", build.Args)
		}
	}
	if !build.UseStdin {
		t.Fatal("expected stdin delivery for long message")
	}
}

func TestParseOutputExtractsChatID(t *testing.T) {
	driver := newTestDriver(DriverConfig{}, nil)
	pc := stream.NewContext()

	items := driver.ParseOutput(`{"type":"system","subtype":"init","chatId":"chat-7"}`+"\n", pc)
	if len(items) != 1 {
		t.Fatalf("items = %d, want 1", len(items))
	}
	if id := driver.ExtractSessionID(items[0].Raw); id != "chat-7" {
		t.Fatalf("session id = %q, want chat-7", id)
	}
	if !driver.Descriptor().Capabilities.RequiresAPIKey {
		t.Fatal("cursor must advertise RequiresAPIKey")
	}
}
