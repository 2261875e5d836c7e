package utils

import (
	"strconv"

	"github.com/gofiber/fiber/v2"
)

const defaultPageSize = 25

var pageSizes = []int{10, 25, 50, 100}

// Page is the window of a listing requested through ?page=&limit=.
type Page struct {
	Number int
	Size   int
}

// PageMeta is returned next to a listing.
type PageMeta struct {
	CurrentPage int   `json:"current_page"`
	PerPage     int   `json:"per_page"`
	Total       int64 `json:"total"`
	LastPage    int   `json:"last_page"`
}

// ParsePage reads the page number and size. Sizes outside pageSizes fall
// back to the default.
func ParsePage(c *fiber.Ctx) Page {
	p := Page{Number: 1, Size: defaultPageSize}
	if n, err := strconv.Atoi(c.Query("page")); err == nil && n > 0 {
		p.Number = n
	}
	if size, err := strconv.Atoi(c.Query("limit")); err == nil {
		for _, allowed := range pageSizes {
			if size == allowed {
				p.Size = size
			}
		}
	}
	return p
}

func (p Page) Offset() int {
	return (p.Number - 1) * p.Size
}

func (p Page) Meta(total int64) PageMeta {
	last := int((total + int64(p.Size) - 1) / int64(p.Size))
	if last < 1 {
		last = 1
	}
	return PageMeta{CurrentPage: p.Number, PerPage: p.Size, Total: total, LastPage: last}
}

// PaginatedResponse writes a success envelope with the listing and its meta.
func PaginatedResponse(c *fiber.Ctx, message string, data interface{}, meta PageMeta) error {
	return c.JSON(fiber.Map{
		"success":    true,
		"message":    message,
		"data":       data,
		"pagination": meta,
	})
}
