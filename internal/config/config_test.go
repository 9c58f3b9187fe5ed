package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/ssd-technologies/quorum/internal/registry"
)

func TestDefault_Valid(t *testing.T) {
	cfg := Default()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
	rc, err := cfg.Registry.Build()
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	want := registry.DefaultConfig()
	if !rc.StakeRequirement.Equal(want.StakeRequirement) || rc.ShortlistSize != want.ShortlistSize {
		t.Errorf("registry defaults drifted: %+v", rc)
	}
}

func TestFromYAML_PartialKeepsDefaults(t *testing.T) {
	cfg, err := FromYAML([]byte(`
owner: "0x00000000000000000000000000000000000000aa"
dispatch:
  oracles_to_poll: 5
  required_responses: 4
  response_timeout: 90s
server:
  listen: ":9000"
mesh:
  offline_timeout: 2m
`))
	if err != nil {
		t.Fatalf("FromYAML: %v", err)
	}
	if cfg.Dispatch.OraclesToPoll != 5 || cfg.Dispatch.RequiredResponses != 4 {
		t.Errorf("dispatch quorum = %d/%d", cfg.Dispatch.OraclesToPoll, cfg.Dispatch.RequiredResponses)
	}
	if cfg.Dispatch.ResponseTimeout != 90*time.Second {
		t.Errorf("response timeout = %v", cfg.Dispatch.ResponseTimeout)
	}
	if cfg.Dispatch.ClusterSize != 2 || cfg.Dispatch.BonusMultiplier != 1 {
		t.Errorf("unset dispatch fields lost their defaults: %+v", cfg.Dispatch)
	}
	if cfg.Dispatch.Deltas.Clustered.Quality != 60 {
		t.Errorf("deltas lost their defaults: %+v", cfg.Dispatch.Deltas)
	}
	if cfg.Server.Listen != ":9000" || cfg.Server.SubmitRate != Default().Server.SubmitRate {
		t.Errorf("server = %+v", cfg.Server)
	}

	sc := cfg.ServerConfig()
	if sc.OfflineTimeout != 2*time.Minute {
		t.Errorf("offline timeout = %v", sc.OfflineTimeout)
	}
	fallback := common.HexToAddress("0x01")
	if cfg.OwnerAddress(fallback) != common.HexToAddress("0xaa") {
		t.Errorf("owner = %s", cfg.OwnerAddress(fallback).Hex())
	}
	if Default().OwnerAddress(fallback) != fallback {
		t.Error("empty owner should fall back")
	}
}

func TestFromYAML_Invalid(t *testing.T) {
	tests := []struct {
		name string
		yaml string
		want string
	}{
		{"bad owner", `owner: nope`, "config.owner"},
		{"quorum above poll", "dispatch:\n  required_responses: 9", "config.dispatch"},
		{"cluster of one", "dispatch:\n  cluster_size: 1", "config.dispatch"},
		{"stake not a number", "registry:\n  stake_requirement: lots", "stake_requirement"},
		{"history too short", "registry:\n  max_score_history: 1", "config.registry"},
		{"same accounts", "custody: \"" + DefaultDispatcher + "\"", "must differ"},
		{"bad genesis", "ledger:\n  genesis:\n    \"0x00000000000000000000000000000000000000aa\": \"-5\"", "genesis"},
		{"not yaml", "dispatch: [", "invalid config yaml"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := FromYAML([]byte(tt.yaml))
			if err == nil {
				t.Fatal("expected error")
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("error %q does not mention %q", err, tt.want)
			}
		})
	}
}

func TestLoad_IgnoresEnvironment(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "quorum.yml")
	if err := os.WriteFile(path, []byte("server:\n  listen: \":7000\"\n"), 0600); err != nil {
		t.Fatal(err)
	}
	t.Setenv("QUORUM_LISTEN", ":7100")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Server.Listen != ":7000" {
		t.Errorf("listen = %q, want file value", cfg.Server.Listen)
	}
}

func TestApply_Overrides(t *testing.T) {
	cfg := Default()
	owner := "0x00000000000000000000000000000000000000aa"
	err := cfg.Apply(Overrides{Listen: ":7100", DBPath: "/tmp/q.db", Owner: owner})
	if err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if cfg.Server.Listen != ":7100" || cfg.Storage.Path != "/tmp/q.db" || cfg.Owner != owner {
		t.Errorf("overrides not applied: %+v", cfg)
	}
	if cfg.Dispatcher != DefaultDispatcher {
		t.Errorf("empty override changed dispatcher to %q", cfg.Dispatcher)
	}

	if err := Default().Apply(Overrides{Owner: "not-an-address"}); err == nil {
		t.Error("expected validation error for a bad owner override")
	}
}

func TestLoad_MissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "absent.yml")); err == nil {
		t.Fatal("expected error for missing file")
	}
}

func TestMarshal_RoundTrip(t *testing.T) {
	cfg := Default()
	cfg.Ledger.Genesis = map[string]string{"0x00000000000000000000000000000000000000aa": "1000"}
	data, err := cfg.Marshal()
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	back, err := FromYAML(data)
	if err != nil {
		t.Fatalf("FromYAML: %v\n%s", err, data)
	}
	if back.Dispatch != cfg.Dispatch {
		t.Errorf("dispatch changed: %+v vs %+v", back.Dispatch, cfg.Dispatch)
	}
	bal, err := back.Ledger.Balances()
	if err != nil {
		t.Fatal(err)
	}
	if got := bal[common.HexToAddress("0xaa")]; got.Int64() != 1000 {
		t.Errorf("genesis balance = %s", got)
	}
}
