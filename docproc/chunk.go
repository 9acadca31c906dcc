package docproc

// Chunk is a window of a document's text. Start and End are rune offsets.
type Chunk struct {
	Text  string
	Start int
	End   int
}

// Split cuts text into windows of at most size runes, each starting overlap
// runes before the end of the previous one. Overlap values outside [0, size)
// are treated as zero.
func Split(text string, size, overlap int) []Chunk {
	if text == "" || size <= 0 {
		return nil
	}
	if overlap < 0 || overlap >= size {
		overlap = 0
	}

	runes := []rune(text)
	var chunks []Chunk
	for start := 0; start < len(runes); {
		end := min(start+size, len(runes))
		chunks = append(chunks, Chunk{Text: string(runes[start:end]), Start: start, End: end})
		if end == len(runes) {
			break
		}
		start = end - overlap
	}
	return chunks
}
