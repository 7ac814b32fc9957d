package ssh

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testInnerService = "ssh-connection"

func runAuthPair(t *testing.T, client *Session, clientCfg *ClientAuthConfig, server *Session, serverCfg *ServerAuthConfig) (clientErr error, user string, serverErr error) {
	t.Helper()
	clientDone := make(chan error, 1)
	serverDone := make(chan struct {
		user string
		err  error
	}, 1)

	go func() {
		err := Authenticate(client, clientCfg)
		if err != nil {
			// Like NewClientConn, a client that gives up disconnects; that
			// is what ends ServeAuth's wait on the other side.
			client.Disconnect(DisconnectAuthCancelledByUser, "authentication failed")
		}
		clientDone <- err
	}()
	go func() {
		u, err := ServeAuth(server, serverCfg)
		serverDone <- struct {
			user string
			err  error
		}{u, err}
	}()

	select {
	case clientErr = <-clientDone:
	case <-time.After(5 * time.Second):
		t.Fatal("client auth timed out")
	}
	select {
	case sr := <-serverDone:
		user, serverErr = sr.user, sr.err
	case <-time.After(5 * time.Second):
		t.Fatal("server auth timed out")
	}
	return
}

func TestAuthenticatePasswordSuccess(t *testing.T) {
	client, server := handshakePair(t, generateHostSigner(t))

	clientCfg := &ClientAuthConfig{
		User:         "alice",
		InnerService: testInnerService,
		Password:     "correct horse",
	}
	serverCfg := &ServerAuthConfig{
		InnerService: testInnerService,
		PasswordCallback: func(user, password string) error {
			if user == "alice" && password == "correct horse" {
				return nil
			}
			return errors.New("denied")
		},
	}

	clientErr, user, serverErr := runAuthPair(t, client, clientCfg, server, serverCfg)
	require.NoError(t, clientErr)
	require.NoError(t, serverErr)
	assert.Equal(t, "alice", user)
}

func TestAuthenticatePasswordWrongThenGivesUp(t *testing.T) {
	client, server := handshakePair(t, generateHostSigner(t))

	clientCfg := &ClientAuthConfig{
		User:         "alice",
		InnerService: testInnerService,
		Password:     "wrong",
	}
	serverCfg := &ServerAuthConfig{
		InnerService:     testInnerService,
		PasswordCallback: func(user, password string) error { return errors.New("denied") },
	}

	clientErr, _, serverErr := runAuthPair(t, client, clientCfg, server, serverCfg)
	assert.ErrorIs(t, clientErr, ErrNoMoreAuthMethods)
	assert.Error(t, serverErr)
}

func TestAuthenticatePublicKeySuccess(t *testing.T) {
	client, server := handshakePair(t, generateHostSigner(t))

	userSigner := generateHostSigner(t)
	clientCfg := &ClientAuthConfig{
		User:         "bob",
		InnerService: testInnerService,
		Signers:      []Signer{userSigner},
	}
	serverCfg := &ServerAuthConfig{
		InnerService: testInnerService,
		PublicKeyCallback: func(user string, key PublicKey) error {
			if user != "bob" {
				return errors.New("wrong user")
			}
			if !keysEqual(key, userSigner.PublicKey()) {
				return errors.New("unknown key")
			}
			return nil
		},
	}

	clientErr, user, serverErr := runAuthPair(t, client, clientCfg, server, serverCfg)
	require.NoError(t, clientErr)
	require.NoError(t, serverErr)
	assert.Equal(t, "bob", user)
}

func keysEqual(a, b PublicKey) bool {
	return string(MarshalPublicKey(a)) == string(MarshalPublicKey(b))
}

func TestAuthenticateChainedPartialSuccess(t *testing.T) {
	client, server := handshakePair(t, generateHostSigner(t))

	userSigner := generateHostSigner(t)
	clientCfg := &ClientAuthConfig{
		User:         "carol",
		InnerService: testInnerService,
		Password:     "swordfish",
		Signers:      []Signer{userSigner},
		MethodOrder:  []string{"password", "publickey"},
	}
	serverCfg := &ServerAuthConfig{
		InnerService: testInnerService,
		RequireAll:   []string{"password", "publickey"},
		PasswordCallback: func(user, password string) error {
			if user == "carol" && password == "swordfish" {
				return nil
			}
			return errors.New("denied")
		},
		PublicKeyCallback: func(user string, key PublicKey) error {
			if user == "carol" && keysEqual(key, userSigner.PublicKey()) {
				return nil
			}
			return errors.New("unknown key")
		},
	}

	clientErr, user, serverErr := runAuthPair(t, client, clientCfg, server, serverCfg)
	require.NoError(t, clientErr)
	require.NoError(t, serverErr)
	assert.Equal(t, "carol", user)
}

func TestAuthenticateChainedStopsIfOneFactorFails(t *testing.T) {
	client, server := handshakePair(t, generateHostSigner(t))

	userSigner := generateHostSigner(t)
	clientCfg := &ClientAuthConfig{
		User:         "carol",
		InnerService: testInnerService,
		Password:     "wrong",
		Signers:      []Signer{userSigner},
		MethodOrder:  []string{"password", "publickey"},
	}
	serverCfg := &ServerAuthConfig{
		InnerService: testInnerService,
		RequireAll:   []string{"password", "publickey"},
		PasswordCallback: func(user, password string) error {
			return errors.New("denied")
		},
		PublicKeyCallback: func(user string, key PublicKey) error {
			if user == "carol" && keysEqual(key, userSigner.PublicKey()) {
				return nil
			}
			return errors.New("unknown key")
		},
	}

	clientErr, _, serverErr := runAuthPair(t, client, clientCfg, server, serverCfg)
	assert.Error(t, clientErr)
	assert.Error(t, serverErr)
}
