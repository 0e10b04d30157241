package primitives

import "testing"

func TestParseOutPoint(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		wantErr bool
	}{
		{
			name:  "valid outpoint",
			input: "4a5e1e4baab89f3a32518a88c31bc87f618f76673e2cc77ab2127b7afdeda33b:0",
		},
		{
			name:  "valid outpoint high vout",
			input: "4a5e1e4baab89f3a32518a88c31bc87f618f76673e2cc77ab2127b7afdeda33b:12",
		},
		{
			name:    "missing separator",
			input:   "4a5e1e4baab89f3a32518a88c31bc87f618f76673e2cc77ab2127b7afdeda33",
			wantErr: true,
		},
		{
			name:    "bad vout",
			input:   "4a5e1e4baab89f3a32518a88c31bc87f618f76673e2cc77ab2127b7afdeda33:notanumber",
			wantErr: true,
		},
		{
			name:    "bad txid",
			input:   "not-a-hash:0",
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseOutPoint(tt.input)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ParseOutPoint() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err == nil && got.String() != tt.input {
				t.Errorf("round trip = %q, want %q", got.String(), tt.input)
			}
		})
	}
}
