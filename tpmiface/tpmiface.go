// Package tpmiface describes the TPM command/response surface launch and
// eventlog need, without implementing a TPM driver: the actual command
// encoding, locality protocol, and transport (MMIO, CRB, or otherwise)
// are an external collaborator, same as every other firmware-adjacent
// TPM library. This package is the seam a real TPM stack plugs into.
package tpmiface

import "github.com/oracle/secure-kernel-loader/eventlog"

// TPM is the minimal surface launch needs to extend PCR 17 and hand the
// event log its family before booting the measured kernel.
type TPM interface {
	// Family reports which event log structures to build.
	Family() eventlog.Family

	// RequestLocality claims the given locality for the DRTM sequence.
	RequestLocality(locality int) error

	// RelinquishLocality releases a previously claimed locality.
	RelinquishLocality(locality int) error

	// ExtendPCR extends pcr with a SHA-1 and, for TPM 2.0, a SHA-256
	// digest of the same measurement.
	ExtendPCR(pcr uint32, sha1Digest [20]byte, sha256Digest [32]byte) error

	// Close releases any resources the implementation holds open.
	Close() error
}

// Fake is an in-memory TPM double for tests: it records every call
// instead of touching real hardware.
type Fake struct {
	family eventlog.Family

	Localities map[int]bool
	Extensions []FakeExtension
	Closed     bool

	ExtendErr error
}

// FakeExtension records one ExtendPCR call.
type FakeExtension struct {
	PCR    uint32
	SHA1   [20]byte
	SHA256 [32]byte
}

// NewFake returns a Fake reporting family.
func NewFake(family eventlog.Family) *Fake {
	return &Fake{family: family, Localities: map[int]bool{}}
}

func (f *Fake) Family() eventlog.Family { return f.family }

func (f *Fake) RequestLocality(locality int) error {
	f.Localities[locality] = true

	return nil
}

func (f *Fake) RelinquishLocality(locality int) error {
	delete(f.Localities, locality)

	return nil
}

func (f *Fake) ExtendPCR(pcr uint32, sha1Digest [20]byte, sha256Digest [32]byte) error {
	if f.ExtendErr != nil {
		return f.ExtendErr
	}

	f.Extensions = append(f.Extensions, FakeExtension{PCR: pcr, SHA1: sha1Digest, SHA256: sha256Digest})

	return nil
}

func (f *Fake) Close() error {
	f.Closed = true

	return nil
}
