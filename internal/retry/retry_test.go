package retry

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestConnectDefaults(t *testing.T) {
	config := ConnectDefaults()
	if config.MaxRetries != 10 {
		t.Errorf("Expected MaxRetries=10, got %d", config.MaxRetries)
	}
	if config.BaseDelay != 100*time.Millisecond {
		t.Errorf("Expected BaseDelay=100ms, got %v", config.BaseDelay)
	}
	if config.MaxDelay != 30*time.Second {
		t.Errorf("Expected MaxDelay=30s, got %v", config.MaxDelay)
	}
	if config.Constant {
		t.Error("Expected exponential profile for connects")
	}
}

func TestApplyDefaults(t *testing.T) {
	config := ApplyDefaults()
	if config.MaxRetries != 2 {
		t.Errorf("Expected MaxRetries=2, got %d", config.MaxRetries)
	}
	if config.BaseDelay != 5*time.Second {
		t.Errorf("Expected BaseDelay=5s, got %v", config.BaseDelay)
	}
	if !config.Constant {
		t.Error("Expected constant profile for applies")
	}
}

func TestApplyConfigAttempts(t *testing.T) {
	config := ApplyConfig(3, time.Millisecond)
	if config.MaxRetries != 2 {
		t.Errorf("Expected MaxRetries=2 for 3 attempts, got %d", config.MaxRetries)
	}
	config = ApplyConfig(0, time.Millisecond)
	if config.MaxRetries != 0 {
		t.Errorf("Expected MaxRetries=0 for invalid attempt count, got %d", config.MaxRetries)
	}
}

func TestWithOperation_Success(t *testing.T) {
	config := &Config{
		MaxRetries:    3,
		BaseDelay:     1 * time.Millisecond,
		MaxDelay:      10 * time.Millisecond,
		JitterPercent: 10,
	}

	callCount := 0
	operation := func() error {
		callCount++
		return nil
	}

	ctx := context.Background()
	err := WithOperation(ctx, config, operation, "test-operation")

	if err != nil {
		t.Errorf("Expected no error, got %v", err)
	}
	if callCount != 1 {
		t.Errorf("Expected operation to be called once, got %d", callCount)
	}
}

func TestWithOperation_ExceedsMaxRetries(t *testing.T) {
	config := &Config{
		MaxRetries: 2,
		BaseDelay:  1 * time.Millisecond,
		MaxDelay:   1 * time.Millisecond,
		Constant:   true,
	}

	callCount := 0
	operation := func() error {
		callCount++
		return errors.New("persistent failure")
	}

	ctx := context.Background()
	err := WithOperation(ctx, config, operation, "test-operation")

	if err == nil {
		t.Error("Expected an error, got nil")
	}
	// go-retry does MaxRetries + 1 total attempts (initial + retries)
	if callCount != 3 {
		t.Errorf("Expected operation to be called 3 times (initial + 2 retries), got %d", callCount)
	}
}

func TestCreateBackoff(t *testing.T) {
	config := &Config{
		MaxRetries:    5,
		BaseDelay:     100 * time.Millisecond,
		MaxDelay:      5 * time.Second,
		JitterPercent: 20,
	}

	if config.CreateBackoff() == nil {
		t.Error("Expected backoff to be created, got nil")
	}

	config.Constant = true
	if config.CreateBackoff() == nil {
		t.Error("Expected constant backoff to be created, got nil")
	}
}
