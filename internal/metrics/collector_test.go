package metrics

import (
	"testing"

	"github.com/privatevod/tvafengine/internal/engine"
)

func TestPieceLen(t *testing.T) {
	info := engine.PieceInfo{
		PieceLength: 1024,
		NumPieces:   3,
		TotalLength: 2500, // pieces: 1024, 1024, 452
	}

	tests := []struct {
		piece int
		want  int64
	}{
		{0, 1024},
		{1, 1024},
		{2, 452},
	}
	for _, tt := range tests {
		if got := pieceLen(info, tt.piece); got != tt.want {
			t.Errorf("pieceLen(piece=%d) = %d, want %d", tt.piece, got, tt.want)
		}
	}
}

func TestPieceLenExactMultiple(t *testing.T) {
	info := engine.PieceInfo{
		PieceLength: 1024,
		NumPieces:   2,
		TotalLength: 2048,
	}
	if got := pieceLen(info, 1); got != 1024 {
		t.Errorf("pieceLen(last piece, exact multiple) = %d, want 1024", got)
	}
}
