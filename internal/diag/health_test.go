package diag

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/nextlevelbuilder/kestrel/internal/config"
)

type fakeQueues struct{ in, out int }

func (f fakeQueues) InboundSize() int  { return f.in }
func (f fakeQueues) OutboundSize() int { return f.out }

func healthyConfig(t *testing.T) (*config.Config, string) {
	t.Helper()
	dir := t.TempDir()
	cfg := config.Default()
	cfg.Agents.Defaults.Workspace = dir
	cfg.Providers.Anthropic.APIKey = "k"
	cfgPath := filepath.Join(dir, "config.json")
	if err := os.WriteFile(cfgPath, []byte("{}"), 0600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return cfg, cfgPath
}

func TestWorstStatusOrdering(t *testing.T) {
	tests := []struct {
		a, b, want string
	}{
		{StatusOK, StatusOK, StatusOK},
		{StatusOK, StatusUnknown, StatusUnknown},
		{StatusUnknown, StatusDegraded, StatusDegraded},
		{StatusDegraded, StatusFailed, StatusFailed},
		{StatusFailed, StatusOK, StatusFailed},
	}
	for _, tt := range tests {
		if got := worstStatus(tt.a, tt.b); got != tt.want {
			t.Errorf("worstStatus(%s, %s) = %s, want %s", tt.a, tt.b, got, tt.want)
		}
	}
}

func TestCollectHealthySnapshot(t *testing.T) {
	cfg, cfgPath := healthyConfig(t)
	snap := Collect(CollectOptions{Config: cfg, ConfigPath: cfgPath, Queues: fakeQueues{}})

	if snap.Liveness != StatusOK {
		t.Errorf("liveness = %s, want ok", snap.Liveness)
	}
	if snap.Readiness != StatusOK {
		t.Errorf("readiness = %s, want ok", snap.Readiness)
	}
	if snap.Degraded {
		t.Errorf("degraded should be false")
	}
	if snap.GeneratedAt == "" {
		t.Errorf("generated_at must be set")
	}
}

func TestCollectMissingProviderBlocksReadinessNotLiveness(t *testing.T) {
	cfg, cfgPath := healthyConfig(t)
	cfg.Providers.Anthropic.APIKey = ""
	t.Setenv("ANTHROPIC_API_KEY", "")
	t.Setenv("KESTREL_API_KEY", "")

	snap := Collect(CollectOptions{Config: cfg, ConfigPath: cfgPath, Queues: fakeQueues{}})
	if snap.Liveness != StatusOK {
		t.Errorf("liveness = %s, want ok (provider is not a liveness input)", snap.Liveness)
	}
	if snap.Readiness != StatusFailed {
		t.Errorf("readiness = %s, want failed", snap.Readiness)
	}
}

func TestCollectQueueThresholds(t *testing.T) {
	cfg, cfgPath := healthyConfig(t)

	tests := []struct {
		name   string
		queues QueueMetrics
		want   string
	}{
		{"no bus", nil, StatusUnknown},
		{"calm", fakeQueues{in: 1, out: 2}, StatusOK},
		{"busy", fakeQueues{in: 60, out: 2}, StatusDegraded},
		{"flooded", fakeQueues{in: 10, out: 250}, StatusFailed},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			snap := Collect(CollectOptions{Config: cfg, ConfigPath: cfgPath, Queues: tt.queues})
			var queueEv *Evidence
			for i := range snap.Evidence {
				if snap.Evidence[i].Component == "runtime.queue" {
					queueEv = &snap.Evidence[i]
				}
			}
			if queueEv == nil {
				t.Fatalf("runtime.queue evidence missing")
			}
			if queueEv.Status != tt.want {
				t.Errorf("queue status = %s, want %s", queueEv.Status, tt.want)
			}
		})
	}
}

func TestCollectMisconfiguredChannel(t *testing.T) {
	cfg, cfgPath := healthyConfig(t)
	cfg.Channels.Telegram.Enabled = true
	cfg.Channels.Telegram.Token = ""

	snap := Collect(CollectOptions{Config: cfg, ConfigPath: cfgPath, Queues: fakeQueues{}})
	var channelEv *Evidence
	for i := range snap.Evidence {
		if snap.Evidence[i].Component == "channels" {
			channelEv = &snap.Evidence[i]
		}
	}
	if channelEv == nil {
		t.Fatalf("channels evidence missing")
	}
	if channelEv.Status != StatusFailed {
		t.Errorf("channels status = %s, want failed", channelEv.Status)
	}
	// Channels are not critical: readiness reflects the first degraded/failed
	// non-critical component.
	if snap.Readiness != StatusFailed {
		t.Errorf("readiness = %s, want failed", snap.Readiness)
	}
	if snap.Liveness != StatusOK {
		t.Errorf("liveness = %s, want ok", snap.Liveness)
	}
}
