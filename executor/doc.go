// Package executor runs signed firmware modules on wazero.
//
// # Overview
//
// An [Executor] owns one wazero runtime per sandbox process. It links the
// host's tw_* imports and WASI into the runtime, verifies each [Artifact]'s
// signature and compiles it ahead of time, caching compiled modules by
// digest in memory and optionally on disk.
//
// # Basic Usage
//
//	imports := hostfunc.New(fs, publisher)
//	exec, err := executor.New(imports,
//	    executor.WithVerifier(verifier),
//	    executor.WithDiskCache(),
//	)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer exec.Close()
//
//	art, _ := executor.LoadArtifact("blink.wasm")
//	inst, err := exec.Instantiate(ctx, art)
//	inst.Init(ctx)
//
// # Instances
//
// An [Instance] serializes calls into the guest. [Instance.Deliver] passes
// an MQTT message through the guest's tw_alloc and tw_on_message exports;
// tw_init and tw_shutdown are optional.
package executor
