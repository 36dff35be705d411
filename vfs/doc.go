// Package vfs is the path router and handle table a guest sees through the
// tw_open/tw_read/tw_write/tw_close imports.
//
// The namespace is flat: every path has the form "/dev/<name>" and is owned
// outright by a [Provider]. Resolution tries providers in registration order
// and the first that recognizes the path wins; nothing else is consulted.
//
//	v := vfs.New()
//	v.RegisterProvider(device.NewClock())
//	h, err := v.Open("/dev/clock", vfs.ModeRead, 0)
//	n, err := v.Read(h, buf, 0)
//	err = v.Close(h)
//
// Each VFS instance owns its handle table. A host agent holds exactly one and
// nothing is shared between sandboxes.
package vfs
