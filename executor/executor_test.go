package executor_test

import (
	"context"
	"encoding/binary"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/caffeineduck/twedge/device"
	"github.com/caffeineduck/twedge/executor"
	"github.com/caffeineduck/twedge/hostfunc"
	"github.com/caffeineduck/twedge/internal/wasmtest"
	"github.com/caffeineduck/twedge/signing"
	"github.com/caffeineduck/twedge/status"
	"github.com/caffeineduck/twedge/vfs"
)

type message struct {
	topic   string
	payload []byte
}

type capturePublisher struct {
	mu   sync.Mutex
	msgs []message
}

func (p *capturePublisher) Publish(_ context.Context, topic string, payload []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.msgs = append(p.msgs, message{topic: topic, payload: payload})
	return nil
}

func (p *capturePublisher) all() []message {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]message(nil), p.msgs...)
}

type harness struct {
	exec *executor.Executor
	pub  *capturePublisher
	logs *observer.ObservedLogs
}

func newHarness(t *testing.T, opts ...executor.Option) *harness {
	t.Helper()
	core, logs := observer.New(zapcore.DebugLevel)
	log := zap.New(core)

	v := vfs.New(vfs.WithLogger(log))
	v.RegisterProvider(device.NewClock(device.WithClockSource(func() uint64 { return 7 })))
	pub := &capturePublisher{}
	imports := hostfunc.New(v, pub, hostfunc.WithLogger(log))

	opts = append([]executor.Option{executor.WithInterpreter(), executor.WithLogger(log)}, opts...)
	exec, err := executor.New(imports, opts...)
	if err != nil {
		t.Fatalf("executor.New: %v", err)
	}
	t.Cleanup(func() { exec.Close() })
	return &harness{exec: exec, pub: pub, logs: logs}
}

func TestNewRequiresVerifier(t *testing.T) {
	_, err := executor.New(nil)
	if !errors.Is(err, executor.ErrNoVerifier) {
		t.Fatalf("expected ErrNoVerifier, got %v", err)
	}
}

func TestFirmwareLifecycle(t *testing.T) {
	h := newHarness(t, executor.WithInsecureSkipVerify())
	ctx := context.Background()

	inst, err := h.exec.Instantiate(ctx, executor.Artifact{Name: "fw", Binary: wasmtest.Firmware()})
	if err != nil {
		t.Fatalf("instantiate: %v", err)
	}
	defer inst.Close(ctx)

	if err := inst.Init(ctx); err != nil {
		t.Fatalf("init: %v", err)
	}
	msgs := h.pub.all()
	if len(msgs) != 1 || msgs[0].topic != "clock" {
		t.Fatalf("expected one clock publish, got %+v", msgs)
	}
	if got := binary.LittleEndian.Uint64(msgs[0].payload); got != 7 {
		t.Errorf("clock payload = %d, want 7", got)
	}

	if err := inst.Deliver(ctx, "cmd/led", []byte("on")); err != nil {
		t.Fatalf("deliver: %v", err)
	}
	msgs = h.pub.all()
	if len(msgs) != 2 || msgs[1].topic != "echo" || string(msgs[1].payload) != "on" {
		t.Fatalf("expected echo of payload, got %+v", msgs)
	}

	if err := inst.Shutdown(ctx); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
	if h.logs.FilterMessage("bye").Len() != 1 {
		t.Error("expected guest shutdown log")
	}

	if err := inst.Close(ctx); err != nil {
		t.Fatalf("close: %v", err)
	}
	if err := inst.Deliver(ctx, "cmd/led", nil); !errors.Is(err, executor.ErrInstanceClosed) {
		t.Errorf("expected ErrInstanceClosed, got %v", err)
	}
}

func TestOptionalExports(t *testing.T) {
	h := newHarness(t, executor.WithInsecureSkipVerify())
	ctx := context.Background()

	inst, err := h.exec.Instantiate(ctx, executor.Artifact{Name: "bare", Binary: wasmtest.MemoryOnly()})
	if err != nil {
		t.Fatalf("instantiate: %v", err)
	}
	defer inst.Close(ctx)

	if err := inst.Init(ctx); err != nil {
		t.Errorf("init without export should be a no-op: %v", err)
	}
	if inst.HasExport(executor.ExportOnMessage) {
		t.Error("unexpected tw_on_message export")
	}
	if err := inst.Deliver(ctx, "t", []byte("x")); status.CodeOf(err) != status.Unsupported {
		t.Errorf("expected Unsupported deliver, got %v", err)
	}
	if _, err := inst.Call(ctx, "missing"); status.CodeOf(err) != status.NotFound {
		t.Errorf("expected NotFound call, got %v", err)
	}
}

func TestGuestTrap(t *testing.T) {
	h := newHarness(t, executor.WithInsecureSkipVerify())
	ctx := context.Background()

	inst, err := h.exec.Instantiate(ctx, executor.Artifact{Name: "crash", Binary: wasmtest.Crasher()})
	if err != nil {
		t.Fatalf("instantiate: %v", err)
	}
	defer inst.Close(ctx)

	if err := inst.Init(ctx); err == nil {
		t.Fatal("expected trap from tw_init")
	}
	if h.logs.FilterMessage("guest call failed").Len() != 1 {
		t.Error("expected trap to be logged")
	}
}

func TestSignatureEnforced(t *testing.T) {
	pub, priv, err := signing.GenerateKey()
	if err != nil {
		t.Fatal(err)
	}
	verifier, err := signing.NewVerifier(pub)
	if err != nil {
		t.Fatal(err)
	}
	h := newHarness(t, executor.WithVerifier(verifier))
	ctx := context.Background()
	bin := wasmtest.Firmware()

	_, err = h.exec.Compile(ctx, executor.Artifact{Name: "fw", Binary: bin})
	if !errors.Is(err, executor.ErrUnsigned) {
		t.Errorf("expected ErrUnsigned, got %v", err)
	}

	_, otherPriv, _ := signing.GenerateKey()
	_, err = h.exec.Compile(ctx, executor.Artifact{Name: "fw", Binary: bin, Signature: signing.Sign(otherPriv, bin)})
	if !errors.Is(err, signing.ErrInvalidSignature) {
		t.Errorf("expected ErrInvalidSignature, got %v", err)
	}
	if len(h.exec.Digests()) != 0 {
		t.Error("rejected artifact must not be compiled")
	}

	if _, err := h.exec.Compile(ctx, executor.Artifact{Name: "fw", Binary: bin, Signature: signing.Sign(priv, bin)}); err != nil {
		t.Fatalf("signed compile: %v", err)
	}
}

func TestCompileCachedByDigest(t *testing.T) {
	h := newHarness(t, executor.WithInsecureSkipVerify())
	ctx := context.Background()
	bin := wasmtest.Firmware()

	first, err := h.exec.Compile(ctx, executor.Artifact{Name: "a", Binary: bin})
	if err != nil {
		t.Fatal(err)
	}
	second, err := h.exec.Compile(ctx, executor.Artifact{Name: "b", Binary: bin})
	if err != nil {
		t.Fatal(err)
	}
	if first != second {
		t.Error("expected the same compiled module for identical bytes")
	}
	if got := h.exec.Digests(); len(got) != 1 || got[0] != signing.DigestHex(bin) {
		t.Errorf("unexpected digests %v", got)
	}
}

func TestDiskCache(t *testing.T) {
	dir := t.TempDir()
	h := newHarness(t, executor.WithInsecureSkipVerify(), executor.WithDiskCache(dir))
	if _, err := h.exec.Compile(context.Background(), executor.Artifact{Name: "fw", Binary: wasmtest.Firmware()}); err != nil {
		t.Fatal(err)
	}
}

func TestLoadArtifact(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "blink.wasm")
	bin := wasmtest.Firmware()
	if err := os.WriteFile(path, bin, 0o644); err != nil {
		t.Fatal(err)
	}

	a, err := executor.LoadArtifact(path)
	if err != nil {
		t.Fatal(err)
	}
	if a.Name != "blink" || a.Signature != nil {
		t.Errorf("unexpected artifact %q sig=%v", a.Name, a.Signature)
	}

	_, priv, _ := signing.GenerateKey()
	if err := signing.WriteFile(path+signing.SignatureSuffix, signing.Sign(priv, bin), 0o644); err != nil {
		t.Fatal(err)
	}
	a, err = executor.LoadArtifact(path)
	if err != nil {
		t.Fatal(err)
	}
	if len(a.Signature) != 64 {
		t.Errorf("expected 64-byte signature, got %d", len(a.Signature))
	}

	if _, err := executor.LoadArtifact(filepath.Join(dir, "missing.wasm")); err == nil {
		t.Error("expected error for missing artifact")
	}
}
