// Package agent runs one firmware instance inside a sandbox process.
//
// An Agent owns the VFS the guest sees, the import surface wired to it, and
// the IPC link to the coordinator. It registers under its client name,
// forwards guest publishes and subscriptions, delivers routed messages into
// the guest and honours advisory shutdown requests.
//
// Typical wiring:
//
//	a := agent.New("thermostat", agent.WithSubscriptions("cmd/thermostat/#"))
//	exec, _ := executor.New(a.Imports(), executor.WithVerifier(v))
//	inst, _ := exec.Instantiate(ctx, artifact)
//	a.Attach(inst)
//	conn, _ := ipc.Dial(ctx, "unix:/run/twedge.sock")
//	_ = a.Connect(ctx, conn)
//	_ = a.Run(ctx)
package agent
