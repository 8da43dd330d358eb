package packetizer

import "errors"

var (
	ErrEmptyFrame         = errors.New("packetizer: empty frame")
	ErrFrameTooLarge      = errors.New("packetizer: frame exceeds fragment limit")
	ErrPacketSizeTooSmall = errors.New("packetizer: max packet size leaves no room for payload")
	ErrAudioTooLarge      = errors.New("packetizer: audio frame exceeds packet capacity")
	ErrStaleEpoch         = errors.New("packetizer: packet epoch does not match expected epoch")
	ErrFragmentMismatch   = errors.New("packetizer: fragment metadata disagrees with pending frame")
	ErrFrameSizeMismatch  = errors.New("packetizer: reassembled size differs from frame byte count")
	ErrNoKey              = errors.New("packetizer: encrypted packet but no key installed")
)
