package language

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParse(t *testing.T) {
	tests := []struct {
		in   string
		want Language
	}{
		{"RUST", Rust},
		{"rust", Rust},
		{" python_three ", PythonThree},
		{"c-plus-plus", CPlusPlus},
		{"objective c", ObjectiveC},
	}
	for _, tt := range tests {
		got, err := Parse(tt.in)
		require.NoError(t, err, tt.in)
		require.Equal(t, tt.want, got)
	}

	_, err := Parse("BRAINFUCK")
	require.ErrorIs(t, err, ErrUnknownLanguage)
	_, err = Parse("")
	require.ErrorIs(t, err, ErrUnknownLanguage)
}

func TestDefaultIsValid(t *testing.T) {
	require.True(t, Default.Valid())
	require.Equal(t, "PYTHON_THREE", Default.String())
	require.Contains(t, All(), Default)
}

func TestUnmarshalJSON(t *testing.T) {
	var body struct {
		Language Language `json:"language"`
	}
	require.NoError(t, json.Unmarshal([]byte(`{"language":"go"}`), &body))
	require.Equal(t, Go, body.Language)

	err := json.Unmarshal([]byte(`{"language":"klingon"}`), &body)
	require.ErrorIs(t, err, ErrUnknownLanguage)
}

func TestResolve(t *testing.T) {
	ctx := context.Background()

	l, err := Resolve(ctx, func(context.Context) (Language, error) { return Rust, nil })
	require.NoError(t, err)
	require.Equal(t, Rust, l)

	l, err = Resolve(ctx, func(context.Context) (Language, error) { return "", nil })
	require.NoError(t, err)
	require.Equal(t, Default, l)

	boom := errors.New("profile store down")
	l, err = Resolve(ctx, func(context.Context) (Language, error) { return "", boom })
	require.ErrorIs(t, err, boom)
	require.Equal(t, Default, l)

	l, err = Resolve(ctx, nil)
	require.NoError(t, err)
	require.Equal(t, Default, l)
}
