package ssrf

import (
	"context"
	"errors"
	"testing"
)

func TestValidateURL_BlocksMetadataAlways(t *testing.T) {
	err := ValidateURL(context.Background(), "http://169.254.169.254/latest/meta-data/", Options{AllowPrivate: true, AllowLoopback: true})
	if !errors.Is(err, ErrBlockedAddress) {
		t.Fatalf("expected ErrBlockedAddress, got %v", err)
	}
}

func TestValidateURL_BlocksLoopbackByDefault(t *testing.T) {
	err := ValidateURL(context.Background(), "http://127.0.0.1:8080/", Options{})
	if !errors.Is(err, ErrBlockedAddress) {
		t.Fatalf("expected ErrBlockedAddress, got %v", err)
	}
}

func TestValidateURL_AllowLoopbackPermitsIt(t *testing.T) {
	err := ValidateURL(context.Background(), "http://127.0.0.1:8080/", Options{AllowLoopback: true})
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
}

func TestValidateURL_BlocksPrivateRange(t *testing.T) {
	err := ValidateURL(context.Background(), "http://10.0.0.5/", Options{})
	if !errors.Is(err, ErrBlockedAddress) {
		t.Fatalf("expected ErrBlockedAddress, got %v", err)
	}
}

func TestValidateURL_BlocksDocumentationRange(t *testing.T) {
	err := ValidateURL(context.Background(), "http://192.0.2.10/", Options{AllowPrivate: true, AllowLoopback: true})
	if !errors.Is(err, ErrBlockedAddress) {
		t.Fatalf("expected ErrBlockedAddress, got %v", err)
	}
}

func TestValidateURL_BlocksNonHTTPScheme(t *testing.T) {
	err := ValidateURL(context.Background(), "ftp://example.com/file", Options{})
	if err == nil {
		t.Fatalf("expected scheme rejection")
	}
}

func TestValidateURL_BlocksIPv4MappedMetadata(t *testing.T) {
	err := ValidateURL(context.Background(), "http://[::ffff:169.254.169.254]/", Options{AllowPrivate: true, AllowLoopback: true})
	if !errors.Is(err, ErrBlockedAddress) {
		t.Fatalf("expected ErrBlockedAddress for mapped metadata address, got %v", err)
	}
}

func TestValidateURL_AllowsPublicAddress(t *testing.T) {
	err := ValidateURL(context.Background(), "http://93.184.216.34/", Options{})
	if err != nil {
		t.Fatalf("expected no error for public address, got %v", err)
	}
}
