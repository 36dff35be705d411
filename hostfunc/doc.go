// Package hostfunc implements the tw_* functions a guest module imports from
// the "env" module.
//
// Every import takes raw pointers and lengths into the guest's linear memory.
// Each (ptr, len) pair is checked against the memory size before any byte is
// copied, and every failure, including a panic in a provider, is returned to
// the guest as a negative [status.Code] instead of trapping:
//
//	tw_open(namePtr, nameLen, mode, flags) -> handle | code
//	tw_close(handle) -> code
//	tw_read(handle, bufPtr, bufLen, count, flags) -> bytesRead | code
//	tw_write(handle, bufPtr, bufLen, count, flags) -> bytesWritten | code
//	tw_mqtt_publish(topicPtr, topicLen, payloadPtr, payloadLen) -> code
//	tw_log(severity, topicPtr, topicLen, msgPtr, msgLen) -> code
//
// [Imports] holds the per-sandbox state; [Imports.Instantiate] registers it
// with a wazero runtime.
package hostfunc
