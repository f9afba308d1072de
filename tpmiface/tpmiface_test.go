package tpmiface_test

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/oracle/secure-kernel-loader/eventlog"
	"github.com/oracle/secure-kernel-loader/tpmiface"
)

func TestFakeRecordsLocalityAndExtensions(t *testing.T) {
	t.Parallel()

	var tpm tpmiface.TPM = tpmiface.NewFake(eventlog.TPM20)

	require.Equal(t, eventlog.TPM20, tpm.Family())
	require.NoError(t, tpm.RequestLocality(3))

	var sha1Digest [20]byte

	var sha256Digest [32]byte

	sha1Digest[0] = 0xaa

	require.NoError(t, tpm.ExtendPCR(17, sha1Digest, sha256Digest))
	require.NoError(t, tpm.RelinquishLocality(3))
	require.NoError(t, tpm.Close())

	fake, ok := tpm.(*tpmiface.Fake)
	require.True(t, ok)
	require.Len(t, fake.Extensions, 1)
	require.Equal(t, uint32(17), fake.Extensions[0].PCR)
	require.NotContains(t, fake.Localities, 3)
	require.True(t, fake.Closed)
}

func TestFakeExtendErrInjection(t *testing.T) {
	t.Parallel()

	fake := tpmiface.NewFake(eventlog.TPM12)
	fake.ExtendErr = errors.New("boom")

	var sha1Digest [20]byte

	var sha256Digest [32]byte

	err := fake.ExtendPCR(17, sha1Digest, sha256Digest)
	require.ErrorIs(t, err, fake.ExtendErr)
}
