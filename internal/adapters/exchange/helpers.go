package exchange

// Helpers for decoding loosely typed CCXT results.

func getFloat(m interface{}, key string) float64 {
	if m == nil {
		return 0
	}
	if mmap, ok := m.(map[string]interface{}); ok {
		if val, ok := mmap[key]; ok {
			if fval, ok := val.(float64); ok {
				return fval
			}
		}
	}
	return 0
}

func getString(m interface{}, key string) string {
	if m == nil {
		return ""
	}
	if mmap, ok := m.(map[string]interface{}); ok {
		if val, ok := mmap[key]; ok {
			if sval, ok := val.(string); ok {
				return sval
			}
		}
	}
	return ""
}

func getBool(m interface{}, key string) bool {
	if m == nil {
		return false
	}
	if mmap, ok := m.(map[string]interface{}); ok {
		if val, ok := mmap[key]; ok {
			if bval, ok := val.(bool); ok {
				return bval
			}
		}
	}
	return false
}

func derefFloat(p *float64) float64 {
	if p == nil {
		return 0
	}
	return *p
}

func derefInt(p *int64) int64 {
	if p == nil {
		return 0
	}
	return *p
}

func derefString(p *string) string {
	if p == nil {
		return ""
	}
	return *p
}
