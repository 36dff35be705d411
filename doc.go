// Package twedge hosts sandboxed WebAssembly firmware on edge devices.
//
// # Overview
//
// A coordinator process bridges an MQTT broker to agent processes. Each agent
// runs one signed firmware module in a wazero sandbox. The guest sees a small
// virtual file system of devices under /dev/ and talks to the host only
// through the env.tw_* imports.
//
// # Basic Usage
//
//	a := agent.New("thermostat", agent.WithSubscriptions("cmd/thermostat/#"))
//	exec, _ := executor.New(a.Imports(), executor.WithVerifier(v))
//	defer exec.Close()
//
//	inst, _ := exec.Instantiate(ctx, artifact)
//	a.Attach(inst)
//
//	conn, _ := ipc.Dial(ctx, "unix:/run/twedge.sock")
//	_ = a.Connect(ctx, conn)
//	_ = a.Run(ctx)
//
// # Devices
//
//	/dev/clock            monotonic nanoseconds, 8 bytes little endian
//	/dev/random           8 random bytes per read
//	/dev/log              lines are logged when the handle is closed
//	/dev/mqtt_subscribe   filters are subscribed when the handle is closed
//
// See the [agent], [coordinator], [executor], [hostfunc] and [vfs] packages
// for detailed API documentation.
package twedge
