// Package pool
// Author: momentics <momentics@gmail.com>
//
// Fixed-size byte buffer pooling for connection I/O. Buffers are borrowed
// for the length of one read and returned, so idle connections hold none.
package pool
