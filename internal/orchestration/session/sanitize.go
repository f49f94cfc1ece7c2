package session

import "github.com/studioloom/conductor/internal/core/domain"

// fileDescriptor is what a binary value becomes in stored form data.
func fileDescriptor(name string, size int64, mime string) map[string]any {
	if mime == "" {
		mime = "application/octet-stream"
	}
	return map[string]any{
		"_type": "File",
		"name":  name,
		"size":  size,
		"type":  mime,
	}
}

// sanitizeFormData deep-copies form data, replacing every binary value with
// its descriptor. Bytes never reach storage; everything else passes through.
func sanitizeFormData(data map[string]any) map[string]any {
	if data == nil {
		return nil
	}
	out := make(map[string]any, len(data))
	for k, v := range data {
		out[k] = sanitizeValue(v)
	}
	return out
}

func sanitizeValue(v any) any {
	switch x := v.(type) {
	case []byte:
		return fileDescriptor("", int64(len(x)), "")
	case domain.FileUpload:
		return fileDescriptor(x.Name, x.Size, x.MIME)
	case *domain.FileUpload:
		if x == nil {
			return nil
		}
		return fileDescriptor(x.Name, x.Size, x.MIME)
	case map[string]any:
		// A descriptor coming back in on resume is rebuilt from its metadata
		// keys alone, dropping any payload a client tucked alongside them.
		if x["_type"] == "File" {
			name, _ := x["name"].(string)
			mime, _ := x["type"].(string)
			return fileDescriptor(name, descriptorSize(x["size"]), mime)
		}
		return sanitizeFormData(x)
	case []any:
		out := make([]any, len(x))
		for i, item := range x {
			out[i] = sanitizeValue(item)
		}
		return out
	default:
		return v
	}
}

// descriptorSize reads a size that may arrive as a JSON number or an int.
func descriptorSize(v any) int64 {
	switch n := v.(type) {
	case float64:
		return int64(n)
	case int64:
		return n
	case int:
		return int64(n)
	default:
		return 0
	}
}
