package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/go-rod/rod/lib/proto"
	"github.com/sirupsen/logrus"
)

// Storefront is the page model for a hotplate-style shop: drop cards on the
// shop page, product tiles on the drop page, and the order button on the
// product sheet. It owns every selector query so the rest of the program
// never touches the DOM directly.
type Storefront struct {
	automation *Automation
	config     *Config
	log        *logrus.Logger

	// now defaults to the wall clock; the watcher points it at the
	// synchronized clock so scan deadlines track server time.
	now func() time.Time
}

func NewStorefront(automation *Automation, config *Config, log *logrus.Logger) *Storefront {
	return &Storefront{
		automation: automation,
		config:     config,
		log:        log,
		now:        time.Now,
	}
}

// DropCard is one drop listing on the shop page. Index addresses the card
// within the configured selector's match list for the follow-up click.
type DropCard struct {
	Index   int
	Title   string
	Text    string
	SoldOut bool
}

// Product is one product tile on the drop page.
type Product struct {
	Index   int
	Name    string
	Price   string
	Status  string
	SoldOut bool
}

func (s *Storefront) probeTimeout() time.Duration {
	return time.Duration(s.config.ProbeTimeoutMs) * time.Millisecond
}

// FindDropCard scans the shop page for the card whose title contains the
// configured drop title, rescanning every 500ms until the deadline. A
// just-rendered React page often paints the cards a beat after load, so a
// single scan is not enough.
func (s *Storefront) FindDropCard(deadline time.Time) (DropCard, error) {
	attemptNum := 0
	for {
		if !s.now().Before(deadline) {
			return DropCard{}, fmt.Errorf("drop card %q not found after %d attempts", s.config.DropCardTitle, attemptNum)
		}
		attemptNum++

		cards, err := s.scanDropCards()
		if err != nil {
			if attemptNum%10 == 0 || attemptNum <= 3 {
				s.log.Warnf("Attempt %d: drop card scan failed: %v", attemptNum, err)
			}
		} else {
			for _, card := range cards {
				if containsFold(card.Title, s.config.DropCardTitle) {
					s.log.Infof("Found drop card %q (sold out: %v)", card.Title, card.SoldOut)
					return card, nil
				}
			}
			if attemptNum%10 == 0 {
				s.log.Infof("Drop card %q not on page yet (%d cards visible, attempt %d)",
					s.config.DropCardTitle, len(cards), attemptNum)
			}
		}

		time.Sleep(500 * time.Millisecond)
	}
}

func (s *Storefront) scanDropCards() ([]DropCard, error) {
	js := fmt.Sprintf(`() => {
		const cards = document.querySelectorAll(%q);
		const out = [];
		for (let i = 0; i < cards.length; i++) {
			const card = cards[i];
			const titleEl = card.querySelector(%q);
			out.push({
				index: i,
				title: titleEl ? titleEl.innerText.trim() : '',
				text: card.innerText || '',
			});
		}
		return out;
	}`, s.config.Selectors.DropCard, s.config.Selectors.DropCardTitle)

	res, err := s.automation.page.Timeout(s.probeTimeout()).Eval(js)
	if err != nil {
		return nil, err
	}

	var cards []DropCard
	for _, item := range res.Value.Arr() {
		text := item.Get("text").Str()
		cards = append(cards, DropCard{
			Index:   item.Get("index").Int(),
			Title:   item.Get("title").Str(),
			Text:    text,
			SoldOut: strings.Contains(text, "Sold Out"),
		})
	}
	return cards, nil
}

// OpenDropCard clicks through to the drop page and waits for it to load.
func (s *Storefront) OpenDropCard(card DropCard) error {
	if card.SoldOut {
		return fmt.Errorf("drop %q is sold out", card.Title)
	}

	err := s.retryOnPageError(func() error {
		return s.clickNth(s.config.Selectors.DropCard, card.Index)
	}, "drop card click")
	if err != nil {
		return fmt.Errorf("failed to open drop %q: %w", card.Title, err)
	}

	loadTimeout := time.Duration(s.config.PageLoadTimeoutSeconds) * time.Second
	if err := s.automation.page.Timeout(loadTimeout).WaitLoad(); err != nil {
		return fmt.Errorf("drop page did not load: %w", err)
	}
	time.Sleep(1 * time.Second)

	return nil
}

// FindProduct scans the drop page for the tile whose name contains the
// configured item name, rescanning until the deadline like FindDropCard.
func (s *Storefront) FindProduct(deadline time.Time) (Product, error) {
	attemptNum := 0
	for {
		if !s.now().Before(deadline) {
			return Product{}, fmt.Errorf("product %q not found after %d attempts", s.config.ItemName, attemptNum)
		}
		attemptNum++

		products, err := s.scanProducts()
		if err != nil {
			if attemptNum%10 == 0 || attemptNum <= 3 {
				s.log.Warnf("Attempt %d: product scan failed: %v", attemptNum, err)
			}
		} else {
			for _, p := range products {
				if containsFold(p.Name, s.config.ItemName) {
					s.log.Infof("Found product %q (price: %s, status: %s, sold out: %v)",
						p.Name, p.Price, p.Status, p.SoldOut)
					return p, nil
				}
			}
			if attemptNum%10 == 0 {
				s.log.Infof("Product %q not on page yet (%d tiles visible, attempt %d)",
					s.config.ItemName, len(products), attemptNum)
			}
		}

		time.Sleep(500 * time.Millisecond)
	}
}

func (s *Storefront) scanProducts() ([]Product, error) {
	js := fmt.Sprintf(`() => {
		const tiles = document.querySelectorAll(%q);
		const out = [];
		for (let i = 0; i < tiles.length; i++) {
			const tile = tiles[i];
			const nameEl = tile.querySelector(%q);
			const priceEl = tile.querySelector(%q);
			out.push({
				index: i,
				name: nameEl ? nameEl.innerText.trim() : '',
				price: priceEl ? priceEl.innerText.trim() : '',
				status: tile.getAttribute('data-status') || '',
				soldOut: tile.querySelector(%q) !== null,
			});
		}
		return out;
	}`, s.config.Selectors.ProductTile, s.config.Selectors.ProductTitle,
		s.config.Selectors.ProductPrice, s.config.Selectors.SoldOutBadge)

	res, err := s.automation.page.Timeout(s.probeTimeout()).Eval(js)
	if err != nil {
		return nil, err
	}

	var products []Product
	for _, item := range res.Value.Arr() {
		products = append(products, Product{
			Index:   item.Get("index").Int(),
			Name:    item.Get("name").Str(),
			Price:   item.Get("price").Str(),
			Status:  item.Get("status").Str(),
			SoldOut: item.Get("soldOut").Bool(),
		})
	}
	return products, nil
}

// OpenProduct clicks the product tile. Product sheets render in place, so
// there is no page load to wait for, just a settle delay.
func (s *Storefront) OpenProduct(product Product) error {
	if product.SoldOut {
		return fmt.Errorf("product %q is sold out", product.Name)
	}

	err := s.retryOnPageError(func() error {
		return s.clickNth(s.config.Selectors.ProductTile, product.Index)
	}, "product tile click")
	if err != nil {
		return fmt.Errorf("failed to open product %q: %w", product.Name, err)
	}
	time.Sleep(500 * time.Millisecond)

	return nil
}

// ReadDropLabel reports the date a card's "Dropped on ..." caption names.
// Cards for future drops carry no such caption, so an error here just means
// the drop has not happened yet.
func (s *Storefront) ReadDropLabel(card DropCard) (time.Time, error) {
	return ParseDropLabel(card.Text)
}

// OrderButtonProbe returns the condition probe for the poll session: one
// bounded page evaluation classifying the order button's state. Evaluation
// errors and expired budgets come back as check failures; everything the
// page reports cleanly is either ready or not ready.
func (s *Storefront) OrderButtonProbe() Probe {
	js := fmt.Sprintf(`() => {
		const btn = document.querySelector(%q);
		if (!btn) return {state: 'missing', label: ''};
		const style = window.getComputedStyle(btn);
		const hidden = style.display === 'none' || style.visibility === 'hidden';
		const disabled = btn.disabled || btn.hasAttribute('disabled') ||
			btn.getAttribute('aria-disabled') === 'true';
		let state = 'ready';
		if (disabled) state = 'disabled';
		else if (hidden) state = 'hidden';
		return {state: state, label: (btn.innerText || '').trim()};
	}`, s.config.Selectors.OrderButton)

	return func() PollOutcome {
		res, err := s.automation.page.Timeout(s.probeTimeout()).Eval(js)
		if err != nil {
			return CheckFailed(fmt.Sprintf("order button check failed: %v", err))
		}
		return classifyOrderButton(res.Value.Get("state").Str(), res.Value.Get("label").Str())
	}
}

// classifyOrderButton maps the probe evaluation's state to a poll outcome.
// Only states the evaluation cannot produce classify as check failures.
func classifyOrderButton(state, label string) PollOutcome {
	switch state {
	case "ready":
		return Ready()
	case "missing":
		return NotReady("order button not rendered")
	case "disabled":
		if containsFold(label, "sold out") {
			return NotReady("sold out")
		}
		return NotReady("order button disabled")
	case "hidden":
		return NotReady("order button hidden")
	default:
		return CheckFailed(fmt.Sprintf("unexpected order button state %q", state))
	}
}

// ClickOrderButton fires the order click once the poll session reports
// ready. Three strategies, same order the storefront needs them: a real
// element click, a JS click, then a synthesized mouse event for buttons
// that swallow the first two.
func (s *Storefront) ClickOrderButton() error {
	sel := s.config.Selectors.OrderButton

	return s.retryOnPageError(func() error {
		el, err := s.automation.page.Timeout(s.probeTimeout()).Element(sel)
		if err == nil {
			if err := el.ScrollIntoView(); err != nil {
				s.log.Debugf("Scroll into view failed: %v", err)
			}
			if err := el.Click(proto.InputMouseButtonLeft, 1); err == nil {
				s.log.Info("Order button clicked")
				return nil
			}
			s.log.Debug("Element click failed, trying JS click")
		}

		clicked, err := s.automation.page.Timeout(s.probeTimeout()).Eval(fmt.Sprintf(`() => {
			const btn = document.querySelector(%q);
			if (!btn) return false;
			btn.click();
			return true;
		}`, sel))
		if err == nil && clicked.Value.Bool() {
			s.log.Info("Order button clicked (JS)")
			return nil
		}

		forced, err := s.automation.page.Timeout(s.probeTimeout()).Eval(fmt.Sprintf(`() => {
			const btn = document.querySelector(%q);
			if (!btn) return false;
			btn.dispatchEvent(new MouseEvent('click', {view: window, bubbles: true, cancelable: true}));
			return true;
		}`, sel))
		if err != nil {
			return fmt.Errorf("order button click failed: %w", err)
		}
		if !forced.Value.Bool() {
			return fmt.Errorf("order button disappeared before click")
		}
		s.log.Info("Order button clicked (dispatched event)")
		return nil
	}, "order button click")
}

// retryOnPageError runs operation, retrying transient page errors with a
// short delay. Bounded at five attempts: past that the page state is wrong
// in a way retrying will not fix, and the window clock is burning.
func (s *Storefront) retryOnPageError(operation func() error, operationName string) error {
	const maxAttempts = 5

	var err error
	for attemptNum := 1; attemptNum <= maxAttempts; attemptNum++ {
		err = operation()
		if err == nil {
			return nil
		}
		if !isTransientPageError(err) {
			return err
		}
		s.log.Warnf("%s failed (attempt %d/%d): %v", operationName, attemptNum, maxAttempts, err)
		time.Sleep(time.Duration(150+attemptNum*100) * time.Millisecond)
	}
	return fmt.Errorf("%s failed after %d attempts: %w", operationName, maxAttempts, err)
}

func isTransientPageError(err error) bool {
	if err == nil {
		return false
	}
	errStr := err.Error()
	return strings.Contains(errStr, "context deadline exceeded") ||
		strings.Contains(errStr, "timeout") ||
		strings.Contains(errStr, "cannot find element") ||
		strings.Contains(errStr, "detached") ||
		strings.Contains(errStr, "connection reset") ||
		strings.Contains(errStr, "EOF")
}

// clickNth clicks the i-th match of selector via the DOM, the reliable way
// to hit the exact card a scan identified.
func (s *Storefront) clickNth(selector string, index int) error {
	res, err := s.automation.page.Timeout(s.probeTimeout()).Eval(fmt.Sprintf(`() => {
		const matches = document.querySelectorAll(%q);
		if (matches.length <= %d) return false;
		const el = matches[%d];
		el.scrollIntoView({block: 'center'});
		el.click();
		return true;
	}`, selector, index, index))
	if err != nil {
		return err
	}
	if !res.Value.Bool() {
		return fmt.Errorf("cannot find element %d of %q", index, selector)
	}
	return nil
}

func containsFold(s, substr string) bool {
	return strings.Contains(strings.ToLower(s), strings.ToLower(substr))
}
