package utils

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCleanGameName(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"Half-Life", "Half-Life"},
		{"The Witcher® 3: Wild Hunt - Game of the Year Edition", "The Witcher 3: Wild Hunt"},
		{"Fallout 4 GOTY", "Fallout 4"},
		{"DOOM (2016)", "DOOM"},
		{"Sid Meier's Civilization® V: Complete Edition", "Sid Meier's Civilization V"},
		{"Hades [Early Access]", "Hades"},
		{"Deus Ex: Human Revolution - Director's Cut", "Deus Ex: Human Revolution"},
		{"Some Tool v1.2.3", "Some Tool"},
		{"Edition", "Edition"},
		{"  Portal   2  ", "Portal 2"},
		{"Warframe - Free to Play", "Warframe"},
		{"Half-Life Demo", "Half-Life Demo"},
		{"Half-Life: Beta", "Half-Life: Beta"},
		{"Portal (Demo)", "Portal (Demo)"},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			assert.Equal(t, tt.want, CleanGameName(tt.in))
		})
	}
}

func TestNormalizeGameName(t *testing.T) {
	assert.Equal(t, "half-life", NormalizeGameName("Half-Life"))
	assert.Equal(t, NormalizeGameName("The Witcher 3: Wild Hunt"), NormalizeGameName("The Witcher® 3: Wild Hunt – GOTY Edition"))
	assert.Equal(t, NormalizeGameName("Pokemon"), NormalizeGameName("Pokémon"))
	assert.Equal(t, NormalizeGameName("Ratchet and Clank"), NormalizeGameName("Ratchet & Clank"))
	assert.Equal(t, NormalizeGameName("FF"), NormalizeGameName("ＦＦ"))
	assert.NotEqual(t, NormalizeGameName("Portal"), NormalizeGameName("Portal 2"))
	assert.NotEmpty(t, NormalizeGameName("!!!"))
	assert.NotEqual(t, NormalizeGameName("Half-Life"), NormalizeGameName("Half-Life Demo"))
	assert.NotEqual(t, NormalizeGameName("Half-Life"), NormalizeGameName("Half-Life Beta"))
	assert.NotEqual(t, NormalizeGameName("Portal"), NormalizeGameName("Portal [Demo]"))
}
