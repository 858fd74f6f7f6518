package tracker

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
)

// ListOpenTickets returns open tickets, optionally filtered by label.
func (c *Client) ListOpenTickets(ctx context.Context, label string) ([]Ticket, error) {
	path := "/api/v1/tickets?state=open"
	if label != "" {
		path += "&label=" + url.QueryEscape(label)
	}
	var tickets []Ticket
	if err := c.call(ctx, http.MethodGet, path, nil, &tickets); err != nil {
		return nil, fmt.Errorf("list open tickets: %w", err)
	}
	return tickets, nil
}

// GetTicket returns one ticket by id.
func (c *Client) GetTicket(ctx context.Context, ticketID string) (*Ticket, error) {
	var ticket Ticket
	path := "/api/v1/tickets/" + url.PathEscape(ticketID)
	if err := c.call(ctx, http.MethodGet, path, nil, &ticket); err != nil {
		return nil, fmt.Errorf("get ticket %s: %w", ticketID, err)
	}
	return &ticket, nil
}

// ListComments returns a ticket's comments, oldest first.
func (c *Client) ListComments(ctx context.Context, ticketID string) ([]Comment, error) {
	var comments []Comment
	path := "/api/v1/tickets/" + url.PathEscape(ticketID) + "/comments"
	if err := c.call(ctx, http.MethodGet, path, nil, &comments); err != nil {
		return nil, fmt.Errorf("list comments for %s: %w", ticketID, err)
	}
	return comments, nil
}

// CreateComment posts a comment on a ticket.
func (c *Client) CreateComment(ctx context.Context, ticketID, body string) (*Comment, error) {
	var comment Comment
	path := "/api/v1/tickets/" + url.PathEscape(ticketID) + "/comments"
	payload := map[string]string{"body": body}
	if err := c.call(ctx, http.MethodPost, path, payload, &comment); err != nil {
		return nil, fmt.Errorf("create comment on %s: %w", ticketID, err)
	}
	return &comment, nil
}

// AddLabel attaches a label to a ticket.
func (c *Client) AddLabel(ctx context.Context, ticketID, label string) error {
	path := "/api/v1/tickets/" + url.PathEscape(ticketID) + "/labels"
	payload := map[string]string{"label": label}
	if err := c.call(ctx, http.MethodPost, path, payload, nil); err != nil {
		return fmt.Errorf("add label %q to %s: %w", label, ticketID, err)
	}
	return nil
}

// RemoveLabel detaches a label from a ticket. Removing an absent label is not
// an error on the tracker side.
func (c *Client) RemoveLabel(ctx context.Context, ticketID, label string) error {
	path := "/api/v1/tickets/" + url.PathEscape(ticketID) + "/labels/" + url.PathEscape(label)
	if err := c.call(ctx, http.MethodDelete, path, nil, nil); err != nil {
		return fmt.Errorf("remove label %q from %s: %w", label, ticketID, err)
	}
	return nil
}

// ReplaceLabels swaps a ticket's workflow label in one call. Used for state
// transitions (e.g. approved -> executing) so the ticket never shows both.
func (c *Client) ReplaceLabels(ctx context.Context, ticketID string, remove, add string) error {
	path := "/api/v1/tickets/" + url.PathEscape(ticketID) + "/labels"
	payload := map[string]string{"remove": remove, "add": add}
	if err := c.call(ctx, http.MethodPut, path, payload, nil); err != nil {
		return fmt.Errorf("replace label %q with %q on %s: %w", remove, add, ticketID, err)
	}
	return nil
}
