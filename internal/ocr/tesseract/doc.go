// Package tesseract binds libtesseract through gosseract. The engine is compiled
// only with the gosseract build tag, since it needs the C library and headers.
package tesseract
