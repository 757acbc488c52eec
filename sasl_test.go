package couchcore

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/pior/couchcore/internal/testutils"
	"github.com/pior/couchcore/mcbp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestChooseMechanism(t *testing.T) {
	tests := []struct {
		name       string
		advertised []string
		want       Mechanism
	}{
		{"both", []string{"PLAIN", "CRAM-MD5"}, MechanismCramMD5},
		{"plain only", []string{"PLAIN"}, MechanismPlain},
		{"cram only", []string{"CRAM-MD5"}, MechanismCramMD5},
		{"unknown only", []string{"SCRAM-SHA512"}, MechanismPlain},
		{"none", nil, MechanismPlain},
		{"no prefix match", []string{"CRAM-MD5-PLUS"}, MechanismPlain},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, chooseMechanism(tt.advertised))
		})
	}
}

func TestCredentialsStringRedactsPassword(t *testing.T) {
	creds := Credentials{Username: "app", Password: "s3cret"}
	assert.NotContains(t, creds.String(), "s3cret")
	assert.Contains(t, creds.String(), "app")
}

func TestCramMD5Response(t *testing.T) {
	// Test vector from RFC 2195.
	s := &saslSession{mech: MechanismCramMD5, creds: Credentials{Username: "tim", Password: "tanstaaftanstaaf"}}
	resp, err := s.respond([]byte("<1896.697170952@postoffice.reston.mci.net>"))
	require.NoError(t, err)
	assert.Equal(t, "tim b913a602c7eda7a495b4e6e7334d3890", string(resp))
}

func TestPlainInitialResponse(t *testing.T) {
	s := &saslSession{mech: MechanismPlain, creds: Credentials{Username: "app", Password: "pw"}}
	assert.Equal(t, []byte("\x00app\x00pw"), s.initial())

	_, err := s.respond([]byte("challenge"))
	assert.Error(t, err)
}

func dialTestNode(t *testing.T, node *testutils.FakeNode) *Connection {
	t.Helper()
	dial := newDialFunc(&net.Dialer{}, nil, time.Second, discardLogger)
	conn, err := dial(context.Background(), node.Addr())
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func TestAuthenticate(t *testing.T) {
	tests := []struct {
		name       string
		opts       testutils.FakeNodeOptions
		wantMech   string
		wantErr    bool
		creds      Credentials
		bucketName string
	}{
		{
			name:     "prefers CRAM-MD5",
			opts:     testutils.FakeNodeOptions{Mechanisms: "PLAIN CRAM-MD5", Username: "app", Password: "pw"},
			creds:    Credentials{Username: "app", Password: "pw"},
			wantMech: "CRAM-MD5",
		},
		{
			name:     "PLAIN when it is the only one",
			opts:     testutils.FakeNodeOptions{Mechanisms: "PLAIN", Username: "app", Password: "pw"},
			creds:    Credentials{Username: "app", Password: "pw"},
			wantMech: "PLAIN",
		},
		{
			name:     "falls back to PLAIN when the query fails",
			opts:     testutils.FakeNodeOptions{FailListMechs: true, Username: "app", Password: "pw"},
			creds:    Credentials{Username: "app", Password: "pw"},
			wantMech: "PLAIN",
		},
		{
			name:     "falls back to PLAIN on an empty list",
			opts:     testutils.FakeNodeOptions{Mechanisms: "", Username: "app", Password: "pw"},
			creds:    Credentials{Username: "app", Password: "pw"},
			wantMech: "PLAIN",
		},
		{
			name:       "bucket name is the default user",
			opts:       testutils.FakeNodeOptions{Mechanisms: "CRAM-MD5 PLAIN", Username: testBucket, Password: "pw", Bucket: "other"},
			creds:      Credentials{Password: "pw"},
			bucketName: testBucket,
			wantMech:   "CRAM-MD5",
		},
		{
			name:     "wrong password",
			opts:     testutils.FakeNodeOptions{Mechanisms: "CRAM-MD5", Username: "app", Password: "pw"},
			creds:    Credentials{Username: "app", Password: "nope"},
			wantMech: "CRAM-MD5",
			wantErr:  true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			node := testutils.NewFakeNode(t, tt.opts)
			conn := dialTestNode(t, node)

			err := authenticate(context.Background(), conn, tt.creds, tt.bucketName, discardLogger)
			assert.Equal(t, tt.wantMech, node.LastMechanism())

			if tt.wantErr {
				var ae *AuthenticationError
				require.ErrorAs(t, err, &ae)
				assert.Equal(t, tt.wantMech, ae.Mechanism)
				assert.NotContains(t, err.Error(), tt.creds.Password)
				assert.True(t, ShouldCloseConnection(err))
				assert.False(t, isRetriable(err))
				assert.EqualValues(t, 1, node.AuthFailures.Load())
				return
			}
			require.NoError(t, err)
			assert.EqualValues(t, 1, node.Handshakes.Load())

			resp, err := conn.RoundTrip(context.Background(), mcbp.NewRequest(mcbp.OpNoop, nil, nil, nil))
			require.NoError(t, err)
			assert.True(t, resp.IsSuccess())
		})
	}
}

func TestAuthenticateSelectsBucket(t *testing.T) {
	node := testutils.NewFakeNode(t, testutils.FakeNodeOptions{
		Mechanisms: "PLAIN", Username: "app", Password: "pw", Bucket: testBucket,
	})

	conn := dialTestNode(t, node)
	require.NoError(t, authenticate(context.Background(), conn, Credentials{Username: "app", Password: "pw"}, testBucket, discardLogger))

	conn = dialTestNode(t, node)
	err := authenticate(context.Background(), conn, Credentials{Username: "app", Password: "pw"}, "missing", discardLogger)
	var ae *AuthenticationError
	require.ErrorAs(t, err, &ae)
	assert.True(t, mcbp.IsStatus(err, mcbp.StatusNoBucket))
}

func TestAuthenticateSkippedWithoutCredentials(t *testing.T) {
	node := testutils.NewFakeNode(t, testutils.FakeNodeOptions{})
	conn := dialTestNode(t, node)

	require.NoError(t, authenticate(context.Background(), conn, Credentials{}, "", discardLogger))
	assert.Empty(t, node.LastMechanism())
}

func TestAuthenticateHonorsDeadline(t *testing.T) {
	conn := pipeServer(t, func(req *mcbp.Frame, w *pipeWriter) {})

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	// The server never answers: the mechanism query times out, then PLAIN
	// fails on the expired deadline.
	err := authenticate(ctx, conn, Credentials{Username: "app", Password: "pw"}, "", discardLogger)
	var ae *AuthenticationError
	require.ErrorAs(t, err, &ae)
	assert.Equal(t, "PLAIN", ae.Mechanism)
}
