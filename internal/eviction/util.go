package eviction

import "strconv"

func vbidLabel(vbid uint16) string { return strconv.Itoa(int(vbid)) }
