package imports

import (
	// Tool packages register themselves with the registry from init().
	_ "github.com/awels/mcp-pdf-processor/internal/tools/pdfprocessor"
)
