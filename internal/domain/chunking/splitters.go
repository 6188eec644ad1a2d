package chunking

import (
	"regexp"
	"unicode"
)

// 递归切分的分隔符，从粗到细：段落 -> 行 -> 句 -> 子句 -> 词。都失败时按字符硬切。
var recursiveSeparators = []string{
	"\n\n", "\n",
	"。", "！", "？", ". ", "! ", "? ",
	"；", "; ", "，", ", ",
	" ",
}

var sentenceBoundary = regexp.MustCompile(`[.!?。！？]+["'”’)]*\s+|[。！？]`)

var markdownHeading = regexp.MustCompile(`(?m)^#{1,6}\s+\S`)

var qaQuestion = regexp.MustCompile(`(?mi)^\s*(q|question|问)\s*[:：]`)

type params struct {
	size    int
	overlap int
}

// splitRecursive 把 sp 切成不超过 size 的相邻片段，片段首尾相接覆盖整个 sp。
func splitRecursive(text []rune, sp span, seps []string, p params) []span {
	if sp.len() <= p.size {
		return []span{sp}
	}
	for i, sep := range seps {
		parts := splitKeepSeparator(text, sp, []rune(sep))
		if len(parts) <= 1 {
			continue
		}
		out := make([]span, 0, len(parts))
		for _, part := range parts {
			if part.len() > p.size {
				out = append(out, splitRecursive(text, part, seps[i+1:], p)...)
			} else {
				out = append(out, part)
			}
		}
		return out
	}
	return hardCut(sp, p)
}

// splitKeepSeparator 按分隔符切分，分隔符归属前一片段。
func splitKeepSeparator(text []rune, sp span, sep []rune) []span {
	if len(sep) == 0 {
		return []span{sp}
	}
	var out []span
	cur := sp.start
	for i := sp.start; i+len(sep) <= sp.end; {
		if runesAt(text, i, sep) {
			end := i + len(sep)
			out = append(out, span{cur, end})
			cur = end
			i = end
			continue
		}
		i++
	}
	if cur < sp.end {
		out = append(out, span{cur, sp.end})
	}
	return out
}

func runesAt(text []rune, at int, sep []rune) bool {
	for j, r := range sep {
		if text[at+j] != r {
			return false
		}
	}
	return true
}

// hardCut 字符级兜底。粒度取 overlap 的一半，合并时才能保留重叠。
func hardCut(sp span, p params) []span {
	grain := p.size
	if p.overlap >= 2 {
		grain = p.overlap / 2
	}
	if grain <= 0 {
		grain = 1
	}
	var out []span
	for i := sp.start; i < sp.end; i += grain {
		end := i + grain
		if end > sp.end {
			end = sp.end
		}
		out = append(out, span{i, end})
	}
	return out
}

// splitRegexp 在正则匹配的结尾处切分，匹配内容归属前一片段。
func splitRegexp(text []rune, sp span, re *regexp.Regexp) []span {
	sub := string(text[sp.start:sp.end])
	locs := re.FindAllStringIndex(sub, -1)
	if len(locs) == 0 {
		return []span{sp}
	}
	byteToRune := runeOffsets(sub)
	var out []span
	cur := sp.start
	for _, loc := range locs {
		end := sp.start + byteToRune[loc[1]]
		if end > cur {
			out = append(out, span{cur, end})
			cur = end
		}
	}
	if cur < sp.end {
		out = append(out, span{cur, sp.end})
	}
	return out
}

// splitBeforeRegexp 在正则匹配的开头处切分（标题、问题行）。
func splitBeforeRegexp(text []rune, sp span, re *regexp.Regexp) []span {
	sub := string(text[sp.start:sp.end])
	locs := re.FindAllStringIndex(sub, -1)
	if len(locs) == 0 {
		return []span{sp}
	}
	byteToRune := runeOffsets(sub)
	var out []span
	cur := sp.start
	for _, loc := range locs {
		begin := sp.start + byteToRune[loc[0]]
		if begin > cur {
			out = append(out, span{cur, begin})
			cur = begin
		}
	}
	if cur < sp.end {
		out = append(out, span{cur, sp.end})
	}
	return out
}

// runeOffsets 字节偏移 -> rune 偏移，长度 len(s)+1。正则返回的下标总在 rune 边界上。
func runeOffsets(s string) []int {
	offsets := make([]int, len(s)+1)
	n := 0
	for i := range s {
		offsets[i] = n
		n++
	}
	offsets[len(s)] = n
	return offsets
}

// mergeWindow 把相邻小片段贪心合并到 size 以内，新块回带上一块末尾不超过 overlap 的片段。
// 整片段带不出足够的重叠时，改从上一块末尾截取一段对齐到词边界的尾巴。
func mergeWindow(text []rune, pieces []span, p params) []span {
	var out []span
	var window []span
	curLen := 0
	for _, piece := range pieces {
		plen := piece.len()
		if curLen+plen > p.size && len(window) > 0 {
			end := window[len(window)-1].end
			out = append(out, span{window[0].start, end})
			for len(window) > 0 && (curLen > p.overlap || curLen+plen > p.size) {
				curLen -= window[0].len()
				window = window[1:]
			}
			if ov := min(p.overlap, p.size-plen); ov > 0 && curLen < ov/2 {
				if start := tailStart(text, end, ov); end-start > curLen {
					window = []span{{start, end}}
					curLen = end - start
				}
			}
		}
		window = append(window, piece)
		curLen += plen
	}
	if len(window) > 0 {
		out = append(out, span{window[0].start, window[len(window)-1].end})
	}
	return out
}

// mergeWithTail 段落合并：新块从上一块末尾 overlap 个字符处（对齐到词边界）开始。
func mergeWithTail(text []rune, pieces []span, p params) []span {
	var out []span
	curStart, lastEnd := -1, -1
	for _, piece := range pieces {
		if curStart < 0 {
			curStart, lastEnd = piece.start, piece.end
			continue
		}
		if piece.end-curStart <= p.size {
			lastEnd = piece.end
			continue
		}
		out = append(out, span{curStart, lastEnd})
		next := tailStart(text, lastEnd, p.overlap)
		if next <= curStart || piece.end-next > p.size {
			next = piece.start
		}
		curStart, lastEnd = next, piece.end
	}
	if curStart >= 0 {
		out = append(out, span{curStart, lastEnd})
	}
	return out
}

// tailStart 末尾 overlap 个字符的起点，向后对齐到词边界；尾巴里没有空白（如中文）时不对齐。
func tailStart(text []rune, end, overlap int) int {
	if overlap <= 0 {
		return end
	}
	start := max(end-overlap, 0)
	i := start
	for i < end && i > 0 && !unicode.IsSpace(text[i-1]) {
		i++
	}
	if i == end {
		return start
	}
	return i
}

func splitOversized(text []rune, pieces []span, seps []string, p params) []span {
	out := make([]span, 0, len(pieces))
	for _, piece := range pieces {
		if piece.len() > p.size {
			out = append(out, splitRecursive(text, piece, seps, p)...)
			continue
		}
		out = append(out, piece)
	}
	return out
}

func recursiveSpans(text []rune, whole span, p params) []span {
	return mergeWindow(text, splitRecursive(text, whole, recursiveSeparators, p), p)
}

func markdownSpans(text []rune, whole span, p params) []span {
	sections := splitBeforeRegexp(text, whole, markdownHeading)
	return mergeWindow(text, splitOversized(text, sections, recursiveSeparators, p), p)
}

func paragraphSpans(text []rune, whole span, p params) []span {
	paragraphs := splitKeepSeparator(text, whole, []rune("\n\n"))
	return mergeWithTail(text, splitOversized(text, paragraphs, recursiveSeparators[1:], p), p)
}

func sentenceSpans(text []rune, whole span, p params) []span {
	sentences := splitRegexp(text, whole, sentenceBoundary)
	return mergeWindow(text, splitOversized(text, sentences, recursiveSeparators[8:], p), p)
}

// qaSpans 每个问答对独立成块，不做重叠；没有问答标记时退化为递归切分。
func qaSpans(text []rune, whole span, p params) []span {
	blocks := splitBeforeRegexp(text, whole, qaQuestion)
	if len(blocks) <= 1 {
		return recursiveSpans(text, whole, p)
	}
	noOverlap := params{size: p.size}
	var out []span
	for _, b := range blocks {
		if b.len() > p.size {
			out = append(out, mergeWindow(text, splitRecursive(text, b, recursiveSeparators, p), noOverlap)...)
			continue
		}
		out = append(out, b)
	}
	return out
}
