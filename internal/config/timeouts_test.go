package config

import (
	"testing"
	"time"
)

func TestGetModelTimeout(t *testing.T) {
	tests := []struct {
		model    string
		expected time.Duration
	}{
		{"deepseek-chat", 90 * time.Second},
		{"claude-3-haiku", 5 * time.Minute},
		{"gpt-4", 3 * time.Minute},
		{"gemini-pro", 3 * time.Minute},
		{"unknown-model", 2 * time.Minute},
	}

	for _, tt := range tests {
		t.Run(tt.model, func(t *testing.T) {
			if got := GetModelTimeout(tt.model); got != tt.expected {
				t.Errorf("GetModelTimeout(%s) = %v, want %v", tt.model, got, tt.expected)
			}
		})
	}
}

func TestIsSlowModel(t *testing.T) {
	tests := []struct {
		model    string
		expected bool
	}{
		{"o1-preview", true},
		{"o3-mini", true},
		{"deepseek-reasoner", true},
		{"claude-3-haiku", false},
		{"gpt-4", false},
		{"gemini-pro", false},
	}

	for _, tt := range tests {
		t.Run(tt.model, func(t *testing.T) {
			if got := IsSlowModel(tt.model); got != tt.expected {
				t.Errorf("IsSlowModel(%s) = %v, want %v", tt.model, got, tt.expected)
			}
		})
	}
}
