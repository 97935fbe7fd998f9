// Package session implements the file-transfer command protocol: the
// line-oriented command grammar, the server-side session handler, and the
// client-side operations. It is expressed purely in terms of
// transport.MessageTransport, so the same logic runs over buffered TCP
// streams, Noise-encrypted streams, and reliable datagram exchanges.
//
// # Command grammar
//
// Commands are space-separated tokens on one newline-terminated line:
//
//	ECHO <text>          echo text back
//	TIME                 server clock
//	LIST                 stored file listing
//	CLOSE                end the session (server answers BYE)
//	UPLOAD <name> <size> resumable upload negotiation
//	DOWNLOAD <name>      resumable download negotiation
//
// # Resumable transfers
//
// Both transfer directions negotiate a byte offset guarded by a checksum of
// the bytes both sides claim to share. A checksum mismatch always ends in a
// full restart at offset zero, never a silently corrupting resume. Either
// side may answer ABORT to refuse a transfer cleanly; the counterpart
// returns to its idle command loop.
package session
