package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDefaultIsValid(t *testing.T) {
	assert.NoError(t, Default().Validate())
}

func TestValidateRejectsUnknownEngine(t *testing.T) {
	c := Default()
	c.Engine = "bogus"
	assert.Error(t, c.Validate())
}

func TestValidateRejectsEmptyThreads(t *testing.T) {
	c := Default()
	c.Threads = nil
	assert.Error(t, c.Validate())
}

func TestValidateRejectsThreadCountAboveMax(t *testing.T) {
	c := Default()
	c.Threads = []int{c.MaxThreads + 1}
	assert.Error(t, c.Validate())
}

func TestValidateRejectsKeyCountAboveMaxTuples(t *testing.T) {
	c := Default()
	c.KeyCount = c.MaxTuples + 1
	assert.Error(t, c.Validate())
}

func TestDurationConvertsSeconds(t *testing.T) {
	c := Default()
	c.DurationSeconds = 3
	assert.Equal(t, 3e9, float64(c.Duration()))
}
