package main

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/srg/sppctl/internal/stack"
)

func TestWriteBondsJSON(t *testing.T) {
	var buf bytes.Buffer
	addrs := []stack.Address{
		stack.MustParseAddress("24:0A:C4:DE:AD:01"),
		stack.MustParseAddress("24:0a:c4:de:ad:02"),
	}

	require.NoError(t, writeBondsJSON(&buf, addrs))

	assert.JSONEq(t, `[
		{"index": 0, "address": "24:0a:c4:de:ad:01"},
		{"index": 1, "address": "24:0a:c4:de:ad:02"}
	]`, buf.String())
}

func TestWriteBondsJSON_Empty(t *testing.T) {
	var buf bytes.Buffer

	require.NoError(t, writeBondsJSON(&buf, nil))

	assert.JSONEq(t, `[]`, buf.String(), "no bonds MUST encode as an empty array, not null")
}
