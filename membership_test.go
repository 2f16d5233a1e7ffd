package raft

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConfigurationEncodeDecodeRoundTrip(t *testing.T) {
	conf := Configuration{Servers: []Server{
		{ID: 1, Address: "127.0.0.1:9001", Role: RoleVoter},
		{ID: 2, Address: "127.0.0.1:9002", Role: RoleStandby},
		{ID: 3, Address: "a", Role: RoleIdle}, // short address exercises padding
	}}

	data, err := conf.Encode()
	require.NoError(t, err)
	assert.Equal(t, uint8(1), data[0])

	decoded, err := DecodeConfiguration(data)
	require.NoError(t, err)
	assert.Equal(t, conf, decoded)
}

func TestConfigurationEncodeDecodeEmpty(t *testing.T) {
	conf := Configuration{}
	data, err := conf.Encode()
	require.NoError(t, err)

	decoded, err := DecodeConfiguration(data)
	require.NoError(t, err)
	assert.Empty(t, decoded.Servers)
}

func TestDecodeConfigurationRejectsBadVersion(t *testing.T) {
	_, err := DecodeConfiguration([]byte{9, 0, 0, 0, 0, 0, 0, 0, 0})
	require.Error(t, err)
	code, ok := CodeOf(err)
	require.True(t, ok)
	assert.Equal(t, ErrMalformed, code)
}

func TestDecodeConfigurationRejectsTruncated(t *testing.T) {
	_, err := DecodeConfiguration([]byte{1})
	assert.Error(t, err)
}

func TestConfigurationAddRejectsDuplicateID(t *testing.T) {
	conf := Configuration{Servers: []Server{{ID: 1, Address: "a", Role: RoleVoter}}}
	_, err := conf.Add(1, "b", RoleStandby)
	require.Error(t, err)
	code, _ := CodeOf(err)
	assert.Equal(t, ErrDuplicateID, code)
}

func TestConfigurationAddRejectsDuplicateAddress(t *testing.T) {
	conf := Configuration{Servers: []Server{{ID: 1, Address: "a", Role: RoleVoter}}}
	_, err := conf.Add(2, "a", RoleStandby)
	require.Error(t, err)
	code, _ := CodeOf(err)
	assert.Equal(t, ErrDuplicateAddress, code)
}

func TestConfigurationAddRejectsBadRole(t *testing.T) {
	conf := Configuration{}
	_, err := conf.Add(1, "a", Role(99))
	require.Error(t, err)
	code, _ := CodeOf(err)
	assert.Equal(t, ErrBadRole, code)
}

func TestConfigurationQuorum(t *testing.T) {
	conf := Configuration{Servers: []Server{
		{ID: 1, Role: RoleVoter},
		{ID: 2, Role: RoleVoter},
		{ID: 3, Role: RoleVoter},
		{ID: 4, Role: RoleStandby},
	}}
	assert.Equal(t, 3, conf.VoterCount())
	assert.Equal(t, 2, conf.Quorum())
}

func TestConfigurationRemove(t *testing.T) {
	conf := Configuration{Servers: []Server{{ID: 1, Role: RoleVoter}, {ID: 2, Role: RoleVoter}}}
	out, err := conf.Remove(1)
	require.NoError(t, err)
	assert.Len(t, out.Servers, 1)
	assert.Equal(t, ServerID(2), out.Servers[0].ID)

	// original is untouched
	assert.Len(t, conf.Servers, 2)
}
