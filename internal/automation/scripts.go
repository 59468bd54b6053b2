package automation

// Page scripts are JavaScript function expressions evaluated as
// (script)(args). Refs are the CSS selectors produced by FindAll.

// FindAllScript tags visible matches with data-ap-ref and returns them
const FindAllScript = `(args) => {
	const lower = (s) => (s || '').toLowerCase();
	const visible = (el) => {
		const r = el.getBoundingClientRect();
		const st = window.getComputedStyle(el);
		return r.width > 0 && r.height > 0 && st.visibility !== 'hidden' && st.display !== 'none';
	};
	const filtered = args.text.length > 0 || args.aria.length > 0;
	const wanted = (el) => {
		if (!filtered) return true;
		const text = lower(el.innerText || el.textContent);
		const aria = lower(el.getAttribute('aria-label'));
		return args.text.some((t) => text.includes(lower(t))) || args.aria.some((a) => aria.includes(lower(a)));
	};
	let seq = window.__apSeq || 0;
	const out = [];
	for (const el of document.querySelectorAll(args.css)) {
		if (!visible(el) || !wanted(el)) continue;
		let ref = el.getAttribute('data-ap-ref');
		if (!ref) {
			seq += 1;
			ref = String(seq);
			el.setAttribute('data-ap-ref', ref);
		}
		out.push({
			ref: '[data-ap-ref="' + ref + '"]',
			text: (el.innerText || '').trim().slice(0, 200),
			label: el.getAttribute('aria-label') || '',
			href: el.getAttribute('href') || '',
		});
	}
	window.__apSeq = seq;
	return out;
}`

// ScrollIntoViewScript centres the element; returns false if it is gone
const ScrollIntoViewScript = `(args) => {
	const el = document.querySelector(args.ref);
	if (!el) return false;
	el.scrollIntoView({ behavior: 'smooth', block: 'center' });
	return true;
}`

// DispatchClickScript fires the pointer and mouse event sequence a user click produces
const DispatchClickScript = `(args) => {
	const el = document.querySelector(args.ref);
	if (!el) return false;
	const r = el.getBoundingClientRect();
	const init = { bubbles: true, cancelable: true, view: window, clientX: r.left + r.width / 2, clientY: r.top + r.height / 2 };
	for (const type of ['pointerover', 'pointerdown', 'mousedown', 'pointerup', 'mouseup', 'click']) {
		const ev = type.startsWith('pointer') ? new PointerEvent(type, init) : new MouseEvent(type, init);
		el.dispatchEvent(ev);
	}
	return true;
}`

// InvokeClickScript calls the element's own click()
const InvokeClickScript = `(args) => {
	const el = document.querySelector(args.ref);
	if (!el || typeof el.click !== 'function') return false;
	el.click();
	return true;
}`

// ScrollByScript scrolls the window by args.distance pixels
const ScrollByScript = `(args) => {
	window.scrollBy({ top: args.distance, behavior: 'smooth' });
	return window.scrollY;
}`

// ReadValueScript returns the value attribute of the first args.css match
const ReadValueScript = `(args) => {
	const el = document.querySelector(args.css);
	if (!el) return '';
	return el.value || el.getAttribute('value') || '';
}`

// PostFormScript submits a form-encoded POST from the page origin and
// returns the status and body text
const PostFormScript = `async (args) => {
	const body = new URLSearchParams(args.form);
	const res = await fetch(args.url, {
		method: 'POST',
		credentials: 'include',
		headers: { 'Content-Type': 'application/x-www-form-urlencoded' },
		body: body.toString(),
	});
	return { status: res.status, body: await res.text() };
}`
