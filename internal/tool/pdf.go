package tool

import (
	"fmt"
	"os"
	"strings"

	"github.com/unidoc/unipdf/v3/extractor"
	"github.com/unidoc/unipdf/v3/model"
)

// extractPDFPages extracts text from the requested pages (1-indexed). With no
// page list, every page is extracted. Out-of-range pages produce an inline
// warning instead of failing the whole read.
func extractPDFPages(path string, pages []int) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", Errorf(KindExecFailed, "open pdf: %v", err)
	}
	defer f.Close()

	reader, err := model.NewPdfReader(f)
	if err != nil {
		return "", Errorf(KindExecFailed, "parse pdf %s: %v", path, err)
	}

	total, err := reader.GetNumPages()
	if err != nil {
		return "", Errorf(KindExecFailed, "pdf page count: %v", err)
	}

	if len(pages) == 0 {
		pages = make([]int, total)
		for i := range pages {
			pages[i] = i + 1
		}
	}

	var sb strings.Builder
	for _, n := range pages {
		if n < 1 || n > total {
			fmt.Fprintf(&sb, "[Warning: Page %d out of range (Total pages: %d)]\n", n, total)
			continue
		}
		page, err := reader.GetPage(n)
		if err != nil {
			return sb.String(), Errorf(KindExecFailed, "pdf page %d: %v", n, err)
		}
		ex, err := extractor.New(page)
		if err != nil {
			return sb.String(), Errorf(KindExecFailed, "pdf extractor page %d: %v", n, err)
		}
		text, err := ex.ExtractText()
		if err != nil {
			return sb.String(), Errorf(KindExecFailed, "pdf text page %d: %v", n, err)
		}
		fmt.Fprintf(&sb, "--- Page %d ---\n%s\n", n, text)
	}
	return sb.String(), nil
}
