package command

import (
	"reflect"
	"testing"
)

func TestParse(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		want Command
		ok   bool
	}{
		{"open", "open", OpenCycle{}, true},
		{"open uppercase", "OPEN", OpenCycle{}, true},
		{"open padded", "  open  ", OpenCycle{}, true},
		{"open with trailing words", "open sesame", nil, false},
		{"close", "close", CloseCycle{}, true},
		{"undo", "undo", Undo{}, true},
		{"help", "help", Help{}, true},

		{"deposit", "+1000 bar tab", RecordBill{Amount: 1000, Memo: "bar tab"}, true},
		{"payout", "-300 refund", RecordBill{Amount: -300, Memo: "refund"}, true},
		{"bill without memo", "+50", RecordBill{Amount: 50, Memo: ""}, true},
		{"multiword memo collapsed", "+10   two   words", RecordBill{Amount: 10, Memo: "two words"}, true},
		{"zero amount", "+0 nothing", nil, false},
		{"signed non-number", "+abc", nil, false},
		{"bare plus", "+", nil, false},
		{"unsigned number", "1000 deposit", nil, false},

		{"set", "set 2000", SetBalance{Amount: 2000}, true},
		{"set negative", "set -500", SetBalance{Amount: -500}, true},
		{"set missing amount", "set", nil, false},
		{"set extra words", "set 2000 please", nil, false},
		{"set non-number", "set lots", nil, false},

		{"grant", "grant @bob", GrantOperator{Target: "bob"}, true},
		{"grant without mention", "grant bob", GrantOperator{Target: "bob"}, true},
		{"grant missing target", "grant", nil, false},
		{"revoke", "revoke @bob", RevokeOperator{Target: "bob"}, true},
		{"revoke missing target", "revoke", nil, false},
		{"operators", "operators", ListOperators{}, true},

		{"bills default page", "bills", ListBills{Page: 1}, true},
		{"bills page", "bills 3", ListBills{Page: 3}, true},
		{"bills zero page", "bills 0", nil, false},
		{"bills bad page", "bills three", nil, false},
		{"bills extra args", "bills 1 2", nil, false},

		{"empty", "", nil, false},
		{"whitespace only", "   ", nil, false},
		{"chatter", "good morning everyone", nil, false},
		{"unknown verb", "reopen", nil, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := Parse(tt.raw)
			if ok != tt.ok {
				t.Fatalf("Parse(%q) ok = %v, want %v", tt.raw, ok, tt.ok)
			}
			if !reflect.DeepEqual(got, tt.want) {
				t.Errorf("Parse(%q) = %#v, want %#v", tt.raw, got, tt.want)
			}
		})
	}
}
