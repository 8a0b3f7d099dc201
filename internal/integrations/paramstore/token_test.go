package paramstore

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

type fakeGetter struct {
	vals  []string
	errs  []error
	calls int
}

func (f *fakeGetter) GetParameter(_ context.Context, _ string) (string, error) {
	i := f.calls
	f.calls++
	var val string
	var err error
	if i < len(f.vals) {
		val = f.vals[i]
	}
	if i < len(f.errs) {
		err = f.errs[i]
	}
	return val, err
}

func TestNewTokenSource_Validation(t *testing.T) {
	_, err := NewTokenSource(nil, "/x")
	require.ErrorContains(t, err, "must not be nil")
	_, err = NewTokenSource(&fakeGetter{}, " ")
	require.ErrorContains(t, err, "must not be empty")
}

func TestTokenSource_CachesSuccess(t *testing.T) {
	g := &fakeGetter{vals: []string{"rp-plain"}}
	ts, err := NewTokenSource(g, "/chat-gateway/inference-token")
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		tok, err := ts.Token(context.Background())
		require.NoError(t, err)
		require.Equal(t, "rp-plain", tok)
	}
	require.Equal(t, 1, g.calls)
}

func TestTokenSource_RetriesAfterFailure(t *testing.T) {
	g := &fakeGetter{vals: []string{"", `{"token":"rp-json"}`}, errs: []error{errors.New("throttled"), nil}}
	ts, err := NewTokenSource(g, "/p")
	require.NoError(t, err)

	_, err = ts.Token(context.Background())
	require.ErrorContains(t, err, "throttled")

	tok, err := ts.Token(context.Background())
	require.NoError(t, err)
	require.Equal(t, "rp-json", tok)
	require.Equal(t, 2, g.calls)
}

func TestParseToken(t *testing.T) {
	cases := []struct {
		raw     string
		want    string
		wantErr string
	}{
		{raw: "rp-abc", want: "rp-abc"},
		{raw: "  rp-abc\n", want: "rp-abc"},
		{raw: `{"token":"rp-json"}`, want: "rp-json"},
		{raw: `{"other":"value"}`, wantErr: "token is empty"},
		{raw: `{"broken`, wantErr: "unmarshal"},
		{raw: "   ", wantErr: "token is empty"},
	}
	for _, tc := range cases {
		got, err := parseToken(tc.raw)
		if tc.wantErr != "" {
			require.ErrorContains(t, err, tc.wantErr, "raw=%q", tc.raw)
			continue
		}
		require.NoError(t, err, "raw=%q", tc.raw)
		require.Equal(t, tc.want, got)
	}
}
