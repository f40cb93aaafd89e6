package portal

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/JakeFAU/court-crawler/internal/court"
)

type pageCursor struct {
	category court.Category
	date     time.Time
	page     int
}

func (c pageCursor) token() court.PageToken {
	return court.PageToken(fmt.Sprintf("%s|%s|%d", c.category, c.date.Format(court.DateLayout), c.page))
}

func parseToken(token court.PageToken) (pageCursor, error) {
	parts := strings.Split(string(token), "|")
	if len(parts) != 3 {
		return pageCursor{}, fmt.Errorf("malformed page token %q", token)
	}
	category, err := court.ParseCategory(parts[0])
	if err != nil {
		return pageCursor{}, fmt.Errorf("page token category: %w", err)
	}
	date, err := court.ParseDay(parts[1])
	if err != nil {
		return pageCursor{}, fmt.Errorf("page token date: %w", err)
	}
	page, err := strconv.Atoi(parts[2])
	if err != nil || page < 2 {
		return pageCursor{}, fmt.Errorf("page token page %q is invalid", parts[2])
	}
	return pageCursor{category: category, date: date, page: page}, nil
}
