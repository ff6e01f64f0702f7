package rag

// Chunker splits document text into fixed-size overlapping windows.
// Overlap keeps sentences that straddle a boundary retrievable from both
// sides of the cut.
type Chunker struct {
	Size    int
	Overlap int
}

// DefaultChunker matches the ingestion window used across the corpus.
var DefaultChunker = Chunker{Size: 5000, Overlap: 500}

// Span is one chunk's byte range within the source text.
type Span struct {
	Start int
	End   int
}

// Split returns the chunk spans covering text. Text shorter than one
// window yields a single span. An empty text yields none.
func (c Chunker) Split(text string) []Span {
	if len(text) == 0 {
		return nil
	}
	size := c.Size
	if size <= 0 {
		size = DefaultChunker.Size
	}
	overlap := c.Overlap
	if overlap < 0 || overlap >= size {
		overlap = 0
	}

	var spans []Span
	step := size - overlap
	for start := 0; ; start += step {
		end := start + size
		if end >= len(text) {
			spans = append(spans, Span{Start: start, End: len(text)})
			return spans
		}
		spans = append(spans, Span{Start: start, End: end})
	}
}
