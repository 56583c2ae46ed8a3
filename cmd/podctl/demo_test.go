package main

import (
	"bytes"
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chaz8081/podlink/internal/config"
)

func TestDemoWalkthrough(t *testing.T) {
	a := &app{cfg: config.Default()}
	var out bytes.Buffer

	require.NoError(t, runDemo(context.Background(), a, &out))

	text := out.String()
	assert.Contains(t, text, "stored bolus: 1.50 of 1.50 U")
	assert.Contains(t, text, "stored tempBasal")
	assert.Contains(t, text, "1 uncertain")
	assert.True(t, strings.HasSuffix(strings.TrimSpace(text), "Lifecycle:  noPod"), "demo should end with no pod:\n%s", text)
}

func TestMemoryStoreCopiesState(t *testing.T) {
	s := &memoryStore{}
	st, err := s.Load()
	require.NoError(t, err)
	st.BasalSchedule = []float64{1}
	require.NoError(t, s.Save(st))

	st.BasalSchedule[0] = 2
	got, err := s.Load()
	require.NoError(t, err)
	assert.Equal(t, []float64{1}, got.BasalSchedule)
}
