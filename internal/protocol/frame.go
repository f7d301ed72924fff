// Package protocol implements the environment-to-learner wire protocol.
//
// Every frame starts with a one-byte version. A step frame carries the
// environment id, the reward for the previous action, a done flag and a
// fixed-size observation:
//
//	version u8 | envId i32 | reward f32 | done u8 | obs[N]
//
// The learner answers each step with an action frame:
//
//	version u8 | action i32
//
// Multi-byte fields are little-endian.
package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
)

// Version is the only frame version this package speaks.
const Version uint8 = 1

const (
	stepHeaderSize  = 1 + 4 + 4 + 1
	actionFrameSize = 1 + 4
)

var (
	// ErrUnsupportedVersion is returned for a frame with an unknown version byte.
	ErrUnsupportedVersion = errors.New("unsupported frame version")

	// ErrEnvMismatch is returned when a connection changes its environment id.
	ErrEnvMismatch = errors.New("environment id changed within connection")
)

// Step is one environment step as sent by an environment.
type Step struct {
	EnvID       int32
	Reward      float32
	Done        bool
	Observation []byte
}

// StepFrameSize returns the encoded size of a step frame.
func StepFrameSize(obsSize int) int {
	return stepHeaderSize + obsSize
}

// WriteStep writes s as a single step frame.
func WriteStep(w io.Writer, s Step) error {
	buf := make([]byte, StepFrameSize(len(s.Observation)))
	buf[0] = Version
	binary.LittleEndian.PutUint32(buf[1:], uint32(s.EnvID))
	binary.LittleEndian.PutUint32(buf[5:], math.Float32bits(s.Reward))
	if s.Done {
		buf[9] = 1
	}
	copy(buf[stepHeaderSize:], s.Observation)
	_, err := w.Write(buf)
	return err
}

// ReadStep reads one step frame with an obsSize-byte observation into s,
// reusing s.Observation when it is large enough. A clean end of stream
// before the first byte returns io.EOF; a partial frame returns
// io.ErrUnexpectedEOF.
func ReadStep(r io.Reader, obsSize int, s *Step) error {
	var hdr [stepHeaderSize]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return err
	}
	if hdr[0] != Version {
		return fmt.Errorf("%w: %d", ErrUnsupportedVersion, hdr[0])
	}

	s.EnvID = int32(binary.LittleEndian.Uint32(hdr[1:]))
	s.Reward = math.Float32frombits(binary.LittleEndian.Uint32(hdr[5:]))
	s.Done = hdr[9] != 0

	if cap(s.Observation) < obsSize {
		s.Observation = make([]byte, obsSize)
	}
	s.Observation = s.Observation[:obsSize]
	if _, err := io.ReadFull(r, s.Observation); err != nil {
		if errors.Is(err, io.EOF) {
			return io.ErrUnexpectedEOF
		}
		return err
	}
	return nil
}

// WriteAction writes a single action frame.
func WriteAction(w io.Writer, action int32) error {
	var buf [actionFrameSize]byte
	buf[0] = Version
	binary.LittleEndian.PutUint32(buf[1:], uint32(action))
	_, err := w.Write(buf[:])
	return err
}

// ReadAction reads a single action frame.
func ReadAction(r io.Reader) (int32, error) {
	var buf [actionFrameSize]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return 0, err
	}
	if buf[0] != Version {
		return 0, fmt.Errorf("%w: %d", ErrUnsupportedVersion, buf[0])
	}
	return int32(binary.LittleEndian.Uint32(buf[1:])), nil
}
