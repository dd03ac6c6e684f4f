package cem

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestMatcherConsumeHeaderResolvesColumnsInFileOrder(t *testing.T) {
	m := NewMatcher([]string{"email", "phone"}, [][]byte{{0xaa}, {0xbb}}, NewByteEqualCipher())
	m.ConsumeHeader("id,email,phone")

	require.NoError(t, m.ConsumeBatch(context.Background(), []string{
		"1,aa,00",
		"2,cc,bb",
		"3,aa,bb",
	}, 4))

	require.Equal(t, []uint64{2, 2}, m.Counts())
}

func TestMatcherIgnoresUnrequestedColumns(t *testing.T) {
	m := NewMatcher([]string{"phone"}, [][]byte{{0xbb}}, NewByteEqualCipher())
	m.ConsumeHeader("id,email,phone")

	require.NoError(t, m.ConsumeBatch(context.Background(), []string{"1,bb,bb", "2,bb,00"}, 4))

	require.Equal(t, []uint64{1}, m.Counts())
}

func TestMatcherToleratesUndecodableColumn(t *testing.T) {
	m := NewMatcher([]string{"email"}, [][]byte{{0xaa}}, NewByteEqualCipher())
	m.ConsumeHeader("id,email")

	require.NoError(t, m.ConsumeBatch(context.Background(), []string{"1,not-hex"}, 4))

	require.Equal(t, []uint64{0}, m.Counts())
}
