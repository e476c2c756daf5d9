package steamclient

import "testing"

func TestScanLine_DownloadMarker(t *testing.T) {
	var acc lineFlags
	sawMarker := scanLine("Downloading item 123...", &acc)
	if !sawMarker {
		t.Fatalf("expected downloading marker to be detected")
	}
	if acc.downloadMarkers != 1 {
		t.Fatalf("expected downloadMarkers=1, got %d", acc.downloadMarkers)
	}
}

func TestScanLine_NoMarker(t *testing.T) {
	var acc lineFlags
	if scanLine("just a normal line", &acc) {
		t.Fatalf("did not expect a downloading marker")
	}
}

func TestClassify_Precedence(t *testing.T) {
	tests := []struct {
		name         string
		lines        []string
		contentFound bool
		wantKind     OutcomeKind
		wantSecond   SecondFactorKind
	}{
		{
			name:     "second factor wins over everything else",
			lines:    []string{"Steam Guard code", "Logged in OK", "Item not found"},
			wantKind: OutcomeNeedsSecondFactor, wantSecond: SecondFactorEmail,
		},
		{
			name:     "mobile second factor",
			lines:    []string{"Two-factor code"},
			wantKind: OutcomeNeedsSecondFactor, wantSecond: SecondFactorMobile,
		},
		{
			name:     "session expired beats access denied",
			lines:    []string{"Invalid Password", "Access Denied"},
			wantKind: OutcomeSessionExpired,
		},
		{
			name:     "access denied beats not found",
			lines:    []string{"No subscription", "Item not found"},
			wantKind: OutcomeAccessDenied,
		},
		{
			name:     "not found beats transient",
			lines:    []string{"Item not found", "ERROR!"},
			wantKind: OutcomeNotFound,
		},
		{
			name:     "transient with no other markers",
			lines:    []string{"failed (Failure)"},
			wantKind: OutcomeTransientFailure,
		},
		{
			name:         "apparent success with content on disk is a real success",
			lines:        []string{"Logged in OK", "Waiting for client config...OK"},
			contentFound: true,
			wantKind:     OutcomeContentWritten,
		},
		{
			name:         "apparent success with no content on disk is transient",
			lines:        []string{"Logged in OK"},
			contentFound: false,
			wantKind:     OutcomeTransientFailure,
		},
		{
			name:     "no recognized marker at all is transient",
			lines:    []string{"some unrelated diagnostic line"},
			wantKind: OutcomeTransientFailure,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var acc lineFlags
			for _, line := range tt.lines {
				scanLine(line, &acc)
			}
			outcome := classify(acc, "/tmp/content", tt.contentFound)
			if outcome.Kind != tt.wantKind {
				t.Fatalf("got kind %v, want %v", outcome.Kind, tt.wantKind)
			}
			if tt.wantSecond != SecondFactorNone && outcome.SecondFactorKind != tt.wantSecond {
				t.Fatalf("got second-factor kind %v, want %v", outcome.SecondFactorKind, tt.wantSecond)
			}
		})
	}
}

func TestClassify_ContentWrittenCarriesPath(t *testing.T) {
	var acc lineFlags
	scanLine("Logged in OK", &acc)
	outcome := classify(acc, "/tmp/workshop/content/123/456", true)
	if outcome.Kind != OutcomeContentWritten {
		t.Fatalf("expected OutcomeContentWritten, got %v", outcome.Kind)
	}
	if outcome.ContentPath != "/tmp/workshop/content/123/456" {
		t.Fatalf("unexpected content path: %s", outcome.ContentPath)
	}
}
