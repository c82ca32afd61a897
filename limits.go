package ember

// maxValueSize bounds a single value at (1<<31)-1 bytes; Put rejects
// anything larger. Values larger than a page are stored as an overflow
// run of contiguous pages, and the ceiling keeps a single Put from
// asking for an unbounded run.
const maxValueSize = (1 << 31) - 1
