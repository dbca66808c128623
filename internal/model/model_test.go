package model

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestChatState_EffectiveTimezoneOffset_UsesDefaultWhenNil(t *testing.T) {
	s := &ChatState{}
	assert.Equal(t, 180, s.EffectiveTimezoneOffset(180))
}

func TestChatState_EffectiveTimezoneOffset_UsesStoredValue(t *testing.T) {
	offset := -60
	s := &ChatState{TimezoneOffsetMinutes: &offset}
	assert.Equal(t, -60, s.EffectiveTimezoneOffset(180))
}
