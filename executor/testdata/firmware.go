//go:build wasip1

// Sample firmware written in Go against the env.tw_* imports.
// Build with: GOOS=wasip1 GOARCH=wasm go build -buildmode=c-shared -o firmware.wasm firmware.go
package main

import (
	"encoding/binary"
	"unsafe"
)

//go:wasmimport env tw_open
func twOpen(namePtr, nameLen, mode, flags uint32) int32

//go:wasmimport env tw_close
func twClose(handle int32) int32

//go:wasmimport env tw_read
func twRead(handle int32, bufPtr, bufLen, count, flags uint32) int32

//go:wasmimport env tw_write
func twWrite(handle int32, bufPtr, bufLen, count, flags uint32) int32

//go:wasmimport env tw_mqtt_publish
func twPublish(topicPtr, topicLen, payloadPtr, payloadLen uint32) int32

//go:wasmimport env tw_log
func twLog(severity, topicPtr, topicLen, msgPtr, msgLen uint32) int32

const (
	modeRead  = 1
	modeWrite = 2
)

func ptr(b []byte) uint32 {
	if len(b) == 0 {
		return 0
	}
	return uint32(uintptr(unsafe.Pointer(&b[0])))
}

func logf(severity uint32, msg string) {
	topic := []byte("firmware")
	m := []byte(msg)
	twLog(severity, ptr(topic), uint32(len(topic)), ptr(m), uint32(len(m)))
}

func publish(topic string, payload []byte) {
	t := []byte(topic)
	twPublish(ptr(t), uint32(len(t)), ptr(payload), uint32(len(payload)))
}

func writeFile(path, text string) {
	p := []byte(path)
	h := twOpen(ptr(p), uint32(len(p)), modeWrite, 0)
	if h < 0 {
		logf(3, "open "+path+" failed")
		return
	}
	b := []byte(text)
	twWrite(h, ptr(b), uint32(len(b)), uint32(len(b)), 0)
	twClose(h)
}

func readClock() uint64 {
	p := []byte("/dev/clock")
	h := twOpen(ptr(p), uint32(len(p)), modeRead, 0)
	if h < 0 {
		return 0
	}
	defer twClose(h)
	var buf [8]byte
	if twRead(h, ptr(buf[:]), 8, 8, 0) != 8 {
		return 0
	}
	return binary.LittleEndian.Uint64(buf[:])
}

var inbox []byte

//go:wasmexport tw_init
func twInit() {
	logf(1, "booted")
	writeFile("/dev/mqtt_subscribe", "cmd/#\n")
	var ts [8]byte
	binary.LittleEndian.PutUint64(ts[:], readClock())
	publish("status/boot", ts[:])
}

//go:wasmexport tw_alloc
func twAlloc(size uint32) uint32 {
	inbox = make([]byte, size)
	return ptr(inbox)
}

//go:wasmexport tw_on_message
func twOnMessage(topicPtr, topicLen, payloadPtr, payloadLen uint32) {
	topic := string(inbox[:topicLen])
	payload := inbox[topicLen : topicLen+payloadLen]
	writeFile("/dev/log", "received "+topic+"\n")
	publish("echo", payload)
}

//go:wasmexport tw_shutdown
func twShutdown() {
	logf(2, "bye")
}

func main() {}
