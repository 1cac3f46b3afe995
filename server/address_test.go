package server

import (
	"testing"
)

func TestAddressDetailParsing(t *testing.T) {
	tests := []struct {
		name              string
		input             string
		wantFullAddress   string
		wantLocalPart     string
		wantDomain        string
		wantDetail        string
		wantBaseLocalPart string
		wantBaseAddress   string
		wantErr           bool
	}{
		{
			name:              "simple address without detail",
			input:             "dispatch@example.com",
			wantFullAddress:   "dispatch@example.com",
			wantLocalPart:     "dispatch",
			wantDomain:        "example.com",
			wantDetail:        "",
			wantBaseLocalPart: "dispatch",
			wantBaseAddress:   "dispatch@example.com",
		},
		{
			name:              "dispatch address with package detail",
			input:             "dispatch+dpkg@example.com",
			wantFullAddress:   "dispatch+dpkg@example.com",
			wantLocalPart:     "dispatch+dpkg",
			wantDomain:        "example.com",
			wantDetail:        "dpkg",
			wantBaseLocalPart: "dispatch",
			wantBaseAddress:   "dispatch@example.com",
		},
		{
			name:              "dispatch address with package and keyword detail",
			input:             "dispatch+dpkg_bts@example.com",
			wantFullAddress:   "dispatch+dpkg_bts@example.com",
			wantLocalPart:     "dispatch+dpkg_bts",
			wantDomain:        "example.com",
			wantDetail:        "dpkg_bts",
			wantBaseLocalPart: "dispatch",
			wantBaseAddress:   "dispatch@example.com",
		},
		{
			name:              "bounce address with date detail",
			input:             "bounces+20240115@example.com",
			wantFullAddress:   "bounces+20240115@example.com",
			wantLocalPart:     "bounces+20240115",
			wantDomain:        "example.com",
			wantDetail:        "20240115",
			wantBaseLocalPart: "bounces",
			wantBaseAddress:   "bounces@example.com",
		},
		{
			name:              "package name containing a dot",
			input:             "dispatch+linux-2.6@example.com",
			wantFullAddress:   "dispatch+linux-2.6@example.com",
			wantLocalPart:     "dispatch+linux-2.6",
			wantDomain:        "example.com",
			wantDetail:        "linux-2.6",
			wantBaseLocalPart: "dispatch",
			wantBaseAddress:   "dispatch@example.com",
		},
		{
			name:              "detail containing a plus",
			input:             "user+detail+more@example.com",
			wantFullAddress:   "user+detail+more@example.com",
			wantLocalPart:     "user+detail+more",
			wantDomain:        "example.com",
			wantDetail:        "detail+more",
			wantBaseLocalPart: "user",
			wantBaseAddress:   "user@example.com",
		},
		{
			name:              "empty detail",
			input:             "user+@example.com",
			wantFullAddress:   "user+@example.com",
			wantLocalPart:     "user+",
			wantDomain:        "example.com",
			wantDetail:        "",
			wantBaseLocalPart: "user",
			wantBaseAddress:   "user@example.com",
		},
		{
			name:              "uppercase address is normalized",
			input:             "DISPATCH+DPKG@EXAMPLE.COM",
			wantFullAddress:   "dispatch+dpkg@example.com",
			wantLocalPart:     "dispatch+dpkg",
			wantDomain:        "example.com",
			wantDetail:        "dpkg",
			wantBaseLocalPart: "dispatch",
			wantBaseAddress:   "dispatch@example.com",
		},
		{
			name:              "surrounding whitespace is trimmed",
			input:             "  control@example.com  ",
			wantFullAddress:   "control@example.com",
			wantLocalPart:     "control",
			wantDomain:        "example.com",
			wantDetail:        "",
			wantBaseLocalPart: "control",
			wantBaseAddress:   "control@example.com",
		},
		{
			name:    "missing at sign",
			input:   "invalid-email",
			wantErr: true,
		},
		{
			name:    "multiple at signs",
			input:   "user@example.com@extra",
			wantErr: true,
		},
		{
			name:    "internal whitespace",
			input:   "user name@example.com",
			wantErr: true,
		},
		{
			name:    "empty input",
			input:   "",
			wantErr: true,
		},
		{
			name:    "bare domain",
			input:   "@example.com",
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			addr, err := NewAddress(tt.input)
			if (err != nil) != tt.wantErr {
				t.Errorf("NewAddress() error = %v, wantErr %v", err, tt.wantErr)
				return
			}
			if tt.wantErr {
				return
			}

			if got := addr.FullAddress(); got != tt.wantFullAddress {
				t.Errorf("FullAddress() = %v, want %v", got, tt.wantFullAddress)
			}
			if got := addr.LocalPart(); got != tt.wantLocalPart {
				t.Errorf("LocalPart() = %v, want %v", got, tt.wantLocalPart)
			}
			if got := addr.Domain(); got != tt.wantDomain {
				t.Errorf("Domain() = %v, want %v", got, tt.wantDomain)
			}
			if got := addr.Detail(); got != tt.wantDetail {
				t.Errorf("Detail() = %v, want %v", got, tt.wantDetail)
			}
			if got := addr.BaseLocalPart(); got != tt.wantBaseLocalPart {
				t.Errorf("BaseLocalPart() = %v, want %v", got, tt.wantBaseLocalPart)
			}
			if got := addr.BaseAddress(); got != tt.wantBaseAddress {
				t.Errorf("BaseAddress() = %v, want %v", got, tt.wantBaseAddress)
			}
		})
	}
}
