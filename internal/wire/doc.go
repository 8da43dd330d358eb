// Package wire implements the beam wire formats: the length-delimited control
// message envelope and its typed payloads, the fixed-size video and audio
// media headers that precede every UDP payload, and the payload checksum.
//
// This package contains no I/O loops or session state; those live in
// [github.com/zsiec/beam/internal/control] and
// [github.com/zsiec/beam/internal/packetizer].
package wire
