package wasmtest

// Guest memory layout used by Firmware.
const (
	ClockPathAddr  = 16
	LogTopicAddr   = 48
	BootMsgAddr    = 64
	ClockTopicAddr = 80
	EchoTopicAddr  = 96
	ByeMsgAddr     = 112
	ScratchAddr    = 1024
	AllocAddr      = 4096
)

var (
	fourI32 = FuncType{Params: []ValType{I32, I32, I32, I32}, Results: []ValType{I32}}
	fiveI32 = FuncType{Params: []ValType{I32, I32, I32, I32, I32}, Results: []ValType{I32}}
	oneI32  = FuncType{Params: []ValType{I32}, Results: []ValType{I32}}
	void    = FuncType{}
	onMsg   = FuncType{Params: []ValType{I32, I32, I32, I32}}
)

// Imports declares the full env import surface on b in the order open,
// close, read, write, mqtt_publish, log and returns their indexes.
func Imports(b *Builder) (open, closeFn, read, write, publish, log uint32) {
	open = b.Import("env", "tw_open", fourI32)
	closeFn = b.Import("env", "tw_close", oneI32)
	read = b.Import("env", "tw_read", fiveI32)
	write = b.Import("env", "tw_write", fiveI32)
	publish = b.Import("env", "tw_mqtt_publish", fourI32)
	log = b.Import("env", "tw_log", fiveI32)
	return
}

// Firmware is a small reactor guest:
//
//   - tw_init logs "booted" under topic "fw", reads 8 bytes from /dev/clock
//     and publishes them to "clock".
//   - tw_alloc always returns AllocAddr.
//   - tw_on_message republishes the payload to "echo".
//   - tw_shutdown logs "bye" at warn level.
func Firmware() []byte {
	b := New()
	open, closeFn, read, _, publish, log := Imports(b)
	b.Memory(1)
	b.Data(ClockPathAddr, []byte("/dev/clock"))
	b.Data(LogTopicAddr, []byte("fw"))
	b.Data(BootMsgAddr, []byte("booted"))
	b.Data(ClockTopicAddr, []byte("clock"))
	b.Data(EchoTopicAddr, []byte("echo"))
	b.Data(ByeMsgAddr, []byte("bye"))

	initFn := b.Func(void, []ValType{I32},
		I32Const(1), I32Const(LogTopicAddr), I32Const(2), I32Const(BootMsgAddr), I32Const(6), Call(log), Drop(),
		I32Const(ClockPathAddr), I32Const(10), I32Const(1), I32Const(0), Call(open), LocalSet(0),
		LocalGet(0), I32Const(ScratchAddr), I32Const(8), I32Const(8), I32Const(0), Call(read), Drop(),
		LocalGet(0), Call(closeFn), Drop(),
		I32Const(ClockTopicAddr), I32Const(5), I32Const(ScratchAddr), I32Const(8), Call(publish), Drop(),
	)
	alloc := b.Func(oneI32, nil, I32Const(AllocAddr))
	onMessage := b.Func(onMsg, nil,
		I32Const(EchoTopicAddr), I32Const(4), LocalGet(2), LocalGet(3), Call(publish), Drop(),
	)
	shutdown := b.Func(void, nil,
		I32Const(2), I32Const(LogTopicAddr), I32Const(2), I32Const(ByeMsgAddr), I32Const(3), Call(log), Drop(),
	)

	b.Export("tw_init", initFn)
	b.Export("tw_alloc", alloc)
	b.Export("tw_on_message", onMessage)
	b.Export("tw_shutdown", shutdown)
	return b.Bytes()
}

// Crasher exports tw_init, which traps.
func Crasher() []byte {
	b := New()
	b.Memory(1)
	b.Export("tw_init", b.Func(void, nil, Unreachable()))
	return b.Bytes()
}

// MemoryOnly exports a single page of memory and nothing else.
func MemoryOnly() []byte {
	b := New()
	b.Memory(1)
	return b.Bytes()
}
