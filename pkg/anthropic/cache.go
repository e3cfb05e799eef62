package anthropic

// CachedSystem builds a single system block with a cache breakpoint. The
// classifier prompt is identical for every record, so reads after the first
// call hit the prompt cache.
func CachedSystem(text, ttl string) []SystemBlock {
	return []SystemBlock{{Text: text, CacheControl: &CacheControl{TTL: ttl}}}
}
